//go:build linux

package main

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"diy-ftrace-agent/internal/config"
	"diy-ftrace-agent/internal/stream"
)

func frame(cpu uint32, payload []byte) []byte {
	b := make([]byte, stream.HeaderSize, stream.HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(b[0:4], cpu)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(payload)))
	return append(b, payload...)
}

func TestInspect(t *testing.T) {
	var in bytes.Buffer
	in.Write(frame(stream.MetadataCPU, append([]byte{byte(stream.KindSession)}, "abc"...)))
	in.Write(frame(stream.MetadataCPU, append([]byte{byte(stream.KindFormat | stream.FlagContinued)}, "name: "...)))
	in.Write(frame(stream.MetadataCPU, append([]byte{byte(stream.KindFormat)}, "print"...)))
	in.Write(frame(1, make([]byte, 100)))
	in.Write(frame(0, make([]byte, 30)))
	in.Write(frame(1, make([]byte, 5)))

	var out bytes.Buffer
	if err := inspect(&in, &out); err != nil {
		t.Fatal(err)
	}

	want := `metadata session 3 bytes
metadata format 11 bytes
cpu0 30 bytes
cpu1 105 bytes
`
	if got := out.String(); got != want {
		t.Errorf("expected %q got %q", want, got)
	}
}

func TestInspectTruncated(t *testing.T) {
	in := bytes.NewReader(frame(0, make([]byte, 10))[:12])
	if err := inspect(in, &bytes.Buffer{}); err == nil {
		t.Error("expected an error for a truncated frame")
	}
}

func TestCheckReportsMissingTracefs(t *testing.T) {
	a := app{
		cfg: &config.Config{
			Tracefs: filepath.Join(t.TempDir(), "missing"),
			Raw:     true,
		},
		logger: zaptest.NewLogger(t),
	}

	engine := newEngine(a.cfg, a.logger, nil)
	if err := engine.ReadEvents(nil); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	printReport(&out, engine)
	if !strings.HasPrefix(out.String(), "supported: false\n") {
		t.Errorf("unexpected report %q", out.String())
	}
	if !strings.Contains(out.String(), "Ftrace is disabled") {
		t.Errorf("report lacks the reason: %q", out.String())
	}
}
