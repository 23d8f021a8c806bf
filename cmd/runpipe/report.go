package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fogfactory/runpipe"
	"github.com/fogfactory/runpipe/internal/simulate"
	"github.com/fogfactory/runpipe/perf"
	"github.com/fogfactory/runpipe/resource"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

type failure struct {
	RunID string `json:"run_id" yaml:"run_id"`
	Task  string `json:"task" yaml:"task"`
	Step  string `json:"step" yaml:"step"`
	Error string `json:"error" yaml:"error"`
}

// report is the flat dump printed at the end of a batch.
type report struct {
	Runs      int                           `json:"runs" yaml:"runs"`
	Succeeded int                           `json:"succeeded" yaml:"succeeded"`
	Failed    int                           `json:"failed" yaml:"failed"`
	ByKind    map[string]int                `json:"failures_by_kind,omitempty" yaml:"failures_by_kind,omitempty"`
	Failures  []failure                     `json:"failures,omitempty" yaml:"failures,omitempty"`
	Steps     map[string]perf.Stats         `json:"steps" yaml:"steps"`
	Pools     map[string]runpipe.PoolStatus `json:"pools" yaml:"pools"`
	Clients   resource.Stats                `json:"clients" yaml:"clients"`
	Calls     int64                         `json:"service_calls" yaml:"service_calls"`
}

var kinds = []error{runpipe.ErrStepFailure, runpipe.ErrStepTimeout, runpipe.ErrCancelled, runpipe.ErrUnexpected}

// kindOf names the failure kind of err.
func kindOf(err error) string {
	kind, ok := lo.Find(kinds, func(k error) bool { return errors.Is(err, k) })
	if !ok {
		return "other"
	}
	return kind.Error()
}

func buildReport(results []runpipe.Result[simulate.Task], agg perf.BatchAggregate, pools map[string]runpipe.PoolStatus, clients resource.Stats, calls int64) report {
	succeeded, failed := runpipe.Partition(results)
	return report{
		Runs:      len(results),
		Succeeded: len(succeeded),
		Failed:    len(failed),
		ByKind: lo.CountValuesBy(failed, func(r runpipe.Result[simulate.Task]) string {
			return kindOf(r.Err)
		}),
		Failures: lo.Map(failed, func(r runpipe.Result[simulate.Task], _ int) failure {
			var se *runpipe.StepError
			step := ""
			if errors.As(r.Err, &se) {
				step = se.Step
			}
			return failure{RunID: r.RunID(), Task: r.Final.Payload.ID, Step: step, Error: r.Err.Error()}
		}),
		Steps:   agg.Steps,
		Pools:   pools,
		Clients: clients,
		Calls:   calls,
	}
}

func writeReport(w io.Writer, format string, r report) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
