// frame_dump decodes a captured hex dump of Seplos bus traffic offline.
// Records come out as JSON lines on stdout, discarded byte runs go to
// stderr. Useful for inspecting captures without a live bus.
//
// Usage:
//
//	frame_dump capture.hex
//	cat capture.hex | frame_dump
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sm2669/seplos-bms-mqtt/pkg/busdecoder"
)

type dumpRecord struct {
	Unit   byte              `json:"unit"`
	Kind   string            `json:"kind"`
	Record busdecoder.Record `json:"record"`
}

func main() {
	log.SetFlags(0)

	input := os.Stdin
	if len(os.Args) > 1 && os.Args[1] != "-" {
		f, err := os.Open(os.Args[1])
		if err != nil {
			log.Fatalf("Failed to open capture: %v", err)
		}
		defer f.Close()
		input = f
	}

	raw, err := io.ReadAll(input)
	if err != nil {
		log.Fatalf("Failed to read capture: %v", err)
	}

	data, err := parseHex(string(raw))
	if err != nil {
		log.Fatalf("Failed to parse hex capture: %v", err)
	}

	out := json.NewEncoder(os.Stdout)
	decoder := busdecoder.New(
		func(unitID byte, rec busdecoder.Record) {
			if err := out.Encode(dumpRecord{Unit: unitID, Kind: rec.Kind(), Record: rec}); err != nil {
				log.Fatalf("Failed to write record: %v", err)
			}
		},
		func(run busdecoder.TrashRun) {
			fmt.Fprintf(os.Stderr, "trash @%d: [% 02x]\n", run.StartOffset, run.Bytes)
		},
	)

	decoder.Feed(data)
	decoder.Idle()

	if pending := decoder.Pending(); pending > 0 {
		fmt.Fprintf(os.Stderr, "%d trailing bytes undecoded\n", pending)
	}
}

// parseHex accepts hex digits with arbitrary whitespace between them.
func parseHex(s string) ([]byte, error) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ',':
		default:
			b.WriteRune(r)
		}
	}
	return hex.DecodeString(b.String())
}
