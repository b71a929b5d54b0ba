package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "dataset-tiered-cache API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("dtc-ctl %s\n", version)
	case "status":
		cmdStatus(*addr)
	case "datasets":
		cmdDatasets(*addr)
	case "dataset":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: dtc-ctl dataset <status|runs> <name>")
			os.Exit(1)
		}
		switch args[1] {
		case "status":
			cmdDatasetStatus(*addr, args[2])
		case "runs":
			cmdDatasetRuns(*addr, args[2])
		default:
			fmt.Fprintln(os.Stderr, "usage: dtc-ctl dataset <status|runs> <name>")
			os.Exit(1)
		}
	case "acquire":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: dtc-ctl acquire <name>")
			os.Exit(1)
		}
		cmdAcquire(*addr, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `dtc-ctl - dataset tiered cache management CLI

Usage:
  dtc-ctl [flags] <command> [args]

Commands:
  status                   Show overall status
  datasets                 List catalog datasets with tier state
  dataset status <name>    Show per-tier state for a dataset
  dataset runs <name>      Show recent acquisition runs for a dataset
  acquire <name>           Trigger an acquisition
  version                  Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

func cmdStatus(addr string) {
	resp, err := http.Get(addr + "/v1/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdDatasets(addr string) {
	resp, err := http.Get(addr + "/v1/datasets")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var datasets []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&datasets); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTASK\tSIZE_MIB\tRAW\tPROCESSED\tCACHED")
	for _, d := range datasets {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\n",
			d["name"], d["task_type"], d["size_mib"], d["raw"], d["processed"], d["cached"])
	}
	w.Flush()
}

func cmdDatasetStatus(addr, name string) {
	resp, err := http.Get(addr + "/v1/datasets/" + name + "/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdDatasetRuns(addr, name string) {
	resp, err := http.Get(addr + "/v1/datasets/" + name + "/runs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var runs []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tSTRATEGY\tOK\tFAILED_STAGE\tREASON")
	for _, r := range runs {
		result, _ := r["result"].(map[string]interface{})
		ok := "yes"
		if result["failure_reason"] != nil && result["failure_reason"] != "" {
			ok = "no"
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			field(r, "finished_at"), field(result, "strategy"), ok,
			field(result, "failed_stage"), field(result, "failure_reason"))
	}
	w.Flush()
}

func cmdAcquire(addr, name string) {
	resp, err := http.Post(addr+"/v1/acquire/"+name, "", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func field(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil || v == "" {
		return "-"
	}
	return fmt.Sprintf("%v", v)
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
