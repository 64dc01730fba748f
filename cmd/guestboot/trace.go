package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/guestboot/internal/chipset"
	"github.com/tinyrange/guestboot/internal/ioport"
)

// Trace is a recorded list of port accesses per vCPU.
type Trace struct {
	VCPUs []TraceVCPU `yaml:"vcpus"`
}

type TraceVCPU struct {
	Accesses []Access `yaml:"accesses"`
}

type Access struct {
	Port  uint16 `yaml:"port"`
	Dir   string `yaml:"dir"`
	Size  int    `yaml:"size,omitempty"`
	Value uint32 `yaml:"value,omitempty"`
}

func (a Access) in() bool { return a.Dir == "in" }

// Result is the outcome of one replayed access.
type Result struct {
	VCPU    int
	Access  Access
	Outcome ioport.Outcome
	Data    uint32
}

func parseTrace(data []byte) (Trace, error) {
	var tr Trace
	if err := yaml.Unmarshal(data, &tr); err != nil {
		return Trace{}, err
	}
	for cpu := range tr.VCPUs {
		accesses := tr.VCPUs[cpu].Accesses
		for i := range accesses {
			a := &accesses[i]
			if a.Size == 0 {
				a.Size = 1
			}
			if a.Dir != "in" && a.Dir != "out" {
				return Trace{}, fmt.Errorf("vcpu %d access %d: dir %q is not in or out", cpu, i, a.Dir)
			}
		}
	}
	return tr, nil
}

// replay runs every vCPU's accesses on its own goroutine against cs, in
// order per vCPU. A vCPU stops early once the guest has asked for a reboot
// or shutdown.
func replay(ctx context.Context, cs *chipset.Chipset, tr Trace) ([][]Result, error) {
	results := make([][]Result, len(tr.VCPUs))

	g, ctx := errgroup.WithContext(ctx)
	for cpu, v := range tr.VCPUs {
		g.Go(func() error {
			for _, a := range v.Accesses {
				if err := ctx.Err(); err != nil {
					return err
				}
				if cs.PowerRequest() != nil {
					return nil
				}
				data := a.Value
				out := cs.HandlePIO(a.Port, a.in(), a.Size, &data)
				results[cpu] = append(results[cpu], Result{VCPU: cpu, Access: a, Outcome: out, Data: data})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func printResults(w io.Writer, results [][]Result) {
	for _, rs := range results {
		for _, r := range rs {
			fmt.Fprintf(w, "vcpu %d %-3s %#06x size %d", r.VCPU, r.Access.Dir, r.Access.Port, r.Access.Size)
			if r.Access.in() {
				fmt.Fprintf(w, " -> %#x", r.Data)
			} else {
				fmt.Fprintf(w, " <- %#x", r.Access.Value)
			}
			fmt.Fprintf(w, " %s\n", r.Outcome)
		}
	}
}

var traceCmd = &cobra.Command{
	Use:   "trace trace.yaml",
	Short: "replay recorded port accesses through the legacy devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read trace: %w", err)
		}
		tr, err := parseTrace(data)
		if err != nil {
			return fmt.Errorf("parse trace %s: %w", args[0], err)
		}

		var console bytes.Buffer
		cs, err := buildChipset(p, &console)
		if err != nil {
			return err
		}
		results, err := replay(cmd.Context(), cs, tr)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printResults(out, results)
		if console.Len() > 0 {
			fmt.Fprintf(out, "console output:\n%s\n", console.String())
		}
		if req := cs.PowerRequest(); req != nil {
			fmt.Fprintf(out, "guest power request: %v\n", req)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)
}
