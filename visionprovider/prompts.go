package visionprovider

import "gopkg.in/errgo.v1"

// promptTemplates holds the instruction text sent alongside the image
// for each profile. The same profile must yield the same JSON schema
// regardless of which provider executes it, so the schema portion of
// the text is shared across all backends.
var promptTemplates = map[PromptProfile]string{
	DetailedWater: `Read this water meter. Reply with JSON only, no commentary:
{"digital_reading": int, "black_digit": int, "dial_reading": float, "dial_angle_degrees": number, "total_reading": float, "confidence": "high"|"medium"|"low", "notes": string}`,

	SimpleWater: `Read this water meter. Reply with JSON only, no commentary:
{"odometer_value": float, "dial_value": float, "total_reading": float, "needle_angle_degrees": number, "confidence": number between 0 and 1, "notes": string}`,

	ElectricDigital: `Read this electric meter's digital display. Reply with JSON only, no commentary:
{"digital_reading": int, "black_digit": int, "dial_reading": float, "dial_angle_degrees": number, "total_reading": float, "confidence": "high"|"medium"|"low", "notes": string}`,

	GasMechanical: `Read this gas meter's mechanical dials. Reply with JSON only, no commentary:
{"odometer_value": float, "dial_value": float, "total_reading": float, "needle_angle_degrees": number, "confidence": number between 0 and 1, "notes": string}`,
}

func promptFor(profile PromptProfile) (string, error) {
	p, ok := promptTemplates[profile]
	if !ok {
		return "", errgo.Newf("unknown prompt profile %q", profile)
	}
	return p, nil
}
