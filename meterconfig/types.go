package meterconfig

// MeterType is the kind of utility a meter measures.
type MeterType string

const (
	Water    MeterType = "water"
	Electric MeterType = "electric"
	Gas      MeterType = "gas"
)

// EndpointKind selects how CameraClient talks to a camera.
type EndpointKind string

const (
	EndpointStill EndpointKind = "still"
	EndpointMJPEG EndpointKind = "mjpeg"
)

// AuthKind selects the camera's HTTP authentication scheme.
type AuthKind string

const (
	AuthNone  AuthKind = "none"
	AuthBasic AuthKind = "basic"
)

// Auth holds camera HTTP credentials. Never log Pass.
type Auth struct {
	Kind AuthKind `yaml:"kind"`
	User string   `yaml:"user"`
	Pass string   `yaml:"pass"`
}

// GoString suppresses the password from %#v-style logging and panics.
func (a Auth) GoString() string {
	return "Auth{Kind: " + string(a.Kind) + ", User: " + a.User + ", Pass: <redacted>}"
}

// Camera describes how to fetch an image from a meter's camera.
type Camera struct {
	EndpointURL  string       `yaml:"endpoint_url"`
	EndpointKind EndpointKind `yaml:"endpoint_kind"`
	Auth         Auth         `yaml:"auth"`
	TimeoutMS    int          `yaml:"timeout_ms"`
	RotationDeg  int          `yaml:"rotation_deg"`
}

// VisionSpec names one provider+model+prompt-profile combination.
type VisionSpec struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	PromptProfile string `yaml:"prompt_profile"`
}

// Vision holds the primary vision provider and its ordered fallbacks.
type Vision struct {
	Primary   VisionSpec   `yaml:"primary"`
	Fallbacks []VisionSpec `yaml:"fallbacks"`
}

// MeterKind distinguishes purely digital meters from ones with an
// additional sweep dial.
type MeterKind string

const (
	DigitalOnly     MeterKind = "digital_only"
	DigitalPlusDial MeterKind = "digital_plus_dial"
)

// DialOrientation is where the dial's "0" mark sits.
type DialOrientation string

const (
	OrientTop    DialOrientation = "top"
	OrientRight  DialOrientation = "right"
	OrientBottom DialOrientation = "bottom"
	OrientLeft   DialOrientation = "left"
)

// Meter is a single meter's full, validated definition.
type Meter struct {
	Name                    string          `yaml:"name"`
	Type                    MeterType       `yaml:"type"`
	Unit                    string          `yaml:"unit"`
	Location                string          `yaml:"location"`
	Enabled                 bool            `yaml:"enabled"`
	Camera                  Camera          `yaml:"camera"`
	ReadingIntervalSeconds  int             `yaml:"reading_interval_seconds"`
	MaxChangePerReading     float64         `yaml:"max_change_per_reading"`
	Vision                  Vision          `yaml:"vision"`
	MeterKind               MeterKind       `yaml:"meter_kind"`
	DialFullRevolutionUnits float64         `yaml:"dial_full_revolution_units"`
	DialOrientation         DialOrientation `yaml:"dial_orientation"`
}

// IsDial reports whether m has a sweep-dial component.
func (m Meter) IsDial() bool {
	return m.MeterKind == DigitalPlusDial
}

// meterFile is the on-disk shape of the meter definitions file.
type meterFile struct {
	Meters []Meter `yaml:"meters"`
}

// Config is an immutable, validated configuration snapshot.
type Config struct {
	Meters []Meter
	// Pricing holds the pricing/household tables, parsed but not
	// interpreted: it's served to the dashboard as-is.
	Pricing interface{}
}

// MeterByName looks up a meter definition by name, the second result
// reporting whether it was found.
func (c *Config) MeterByName(name string) (Meter, bool) {
	for _, m := range c.Meters {
		if m.Name == name {
			return m, true
		}
	}
	return Meter{}, false
}
