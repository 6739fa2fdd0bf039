// Command kconfig regenerates kernel/config/generated.go from a YAML
// tunables profile. It runs on the build host and never links into the
// freestanding kernel binary.
package main

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// profile mirrors config/kernel.yaml; field names match the YAML keys via
// the yaml tag and become exported Go constants named after the field.
type profile struct {
	NVMeQueueDepth  int `yaml:"nvmeQueueDepth"`
	DMAHeapSize     int `yaml:"dmaHeapSize"`
	KernelStackSize int `yaml:"kernelStackSize"`
	ProcessPages    int `yaml:"processPages"`
	ScancodeBufSize int `yaml:"scancodeBufSize"`
}

const generatedTemplate = `// Package config holds the build-time kernel tunables regenerated by
// tools/kconfig from config/kernel.yaml. Do not hand-edit generated.go;
// change the YAML profile and rerun the generator instead.
package config

// NVMeQueueDepth is the fixed number of entries in every admin and I/O
// submission/completion queue.
const NVMeQueueDepth = {{.NVMeQueueDepth}}

// DMAHeapSize is the size, in bytes, of the free-list heap backing NVMe
// queue rings and identify/read/write buffers.
const DMAHeapSize = {{.DMAHeapSize}}

// KernelStackSize is the size, in bytes, of the ring-0 stack the TSS points
// interrupts and syscalls at.
const KernelStackSize = {{.KernelStackSize}}

// ProcessPages bounds how many 4 KiB pages are mapped for a spawned
// process's image and stack combined.
const ProcessPages = {{.ProcessPages}}

// ScancodeBufSize bounds how many unconsumed PS/2 scancodes are buffered
// before the oldest is dropped.
const ScancodeBufSize = {{.ScancodeBufSize}}
`

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[kconfig] error: %s\n", err.Error())
	os.Exit(1)
}

func run() error {
	in := pflag.StringP("in", "i", "config/kernel.yaml", "path to the YAML tunables profile")
	out := pflag.StringP("out", "o", "kernel/config/generated.go", "path to write the generated Go source to")
	pflag.Parse()

	data, err := os.ReadFile(*in)
	if err != nil {
		return err
	}

	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parsing %s: %w", *in, err)
	}

	tmpl, err := template.New("generated").Parse(generatedTemplate)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return err
	}

	return os.WriteFile(*out, buf.Bytes(), 0o644)
}

func main() {
	if err := run(); err != nil {
		exit(err)
	}
}
