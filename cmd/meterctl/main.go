// Command meterctl is a thin CLI client for a running metermonitor
// daemon: it triggers captures/reprocesses and prints status over the
// HTTP API, for use from scripts or an interactive shell.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/juju/ansiterm"
)

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		usage()
	}
	addr, cmd, rest := args[0], args[1], args[2:]
	if err := dispatch(addr, cmd, rest); err != nil {
		fmt.Fprintf(os.Stderr, "meterctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: meterctl <addr> status
       meterctl <addr> capture <meter>
       meterctl <addr> reprocess <meter> <snapshot-id>
       meterctl <addr> latest <meter>
       meterctl <addr> reload-config
`)
	os.Exit(2)
}

func dispatch(addr, cmd string, rest []string) error {
	switch cmd {
	case "status":
		return printStatus(addr)
	case "latest":
		if len(rest) != 1 {
			usage()
		}
		return getJSON(addr, "/api/latest/"+rest[0])
	case "capture":
		if len(rest) != 1 {
			usage()
		}
		return postJSON(addr, "/api/capture/"+rest[0])
	case "reprocess":
		if len(rest) != 2 {
			usage()
		}
		return postJSON(addr, "/api/reprocess/"+rest[0]+"/"+rest[1])
	case "reload-config":
		return postJSON(addr, "/api/config/reload")
	default:
		usage()
		return nil
	}
}

// meterStatusRow mirrors orchestrator.MeterStatus's JSON shape.
type meterStatusRow struct {
	Meter               string
	State               string
	ConsecutiveFailures int
	LastReadingAt       time.Time
	LastError           string
}

func printStatus(addr string) error {
	resp, err := http.Get("http://" + addr + "/api/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return printResponse(resp)
	}
	var rows []meterStatusRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return err
	}

	w := ansiterm.NewTabWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "METER\tSTATE\tFAILURES\tLAST READING\tLAST ERROR\n")
	for _, r := range rows {
		ctx := ansiterm.Foreground(stateColor(r))
		ctx.Fprintf(w, "%s", r.Meter)
		fmt.Fprintf(w, "\t%s\t%d\t%s\t%s\n", r.State, r.ConsecutiveFailures, formatLastReading(r.LastReadingAt), r.LastError)
	}
	return w.Flush()
}

func stateColor(r meterStatusRow) ansiterm.Color {
	switch {
	case r.ConsecutiveFailures > 0:
		return ansiterm.Red
	case r.State == "backoff":
		return ansiterm.Yellow
	default:
		return ansiterm.Green
	}
}

func formatLastReading(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func getJSON(addr, path string) error {
	resp, err := http.Get("http://" + addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(addr, path string) error {
	resp, err := http.Post("http://"+addr+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "server returned %s\n", resp.Status)
	}
	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
