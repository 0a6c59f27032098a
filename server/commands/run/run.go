// Package run executes a BPMN file against an in-memory partition and prints the log.
package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gitlab.com/shar-workflow/shar-scopes/client/parser"
	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/common/expression"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/logstream"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/partition"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/workflow"
	"gitlab.com/shar-workflow/shar-scopes/model"
)

// Options for a run.
type Options struct {
	BpmnFile      string
	ProcessID     string
	VarsFile      string
	CompleteTasks bool
	MaxSteps      int
	Dump          bool
}

var flags = &Options{}

// Cmd is the cobra command object
var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Runs a process from a BPMN file in memory and prints the resulting log",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return Run(cmd.Context(), flags, cmd.OutOrStdout())
	},
}

func init() {
	Cmd.Flags().StringVar(&flags.BpmnFile, "bpmn", "", "path to the BPMN file")
	Cmd.Flags().StringVar(&flags.ProcessID, "process", "", "BPMN process id to start")
	Cmd.Flags().StringVar(&flags.VarsFile, "vars", "", "YAML file with the instance variables")
	Cmd.Flags().BoolVar(&flags.CompleteTasks, "complete-tasks", false, "complete service and user tasks as they activate")
	Cmd.Flags().IntVar(&flags.MaxSteps, "max-steps", 1000, "upper bound of completed tasks")
	Cmd.Flags().BoolVar(&flags.Dump, "dump", false, "print the engine state at the end")
	_ = Cmd.MarkFlagRequired("bpmn")
	_ = Cmd.MarkFlagRequired("process")
}

// Run deploys every executable process of the file, creates one instance and renders the log to out.
func Run(ctx context.Context, o *Options, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eng := &expression.ExprEngine{}
	f, err := os.Open(o.BpmnFile)
	if err != nil {
		return fmt.Errorf("open bpmn file: %w", err)
	}
	defer f.Close()
	processes, err := parser.Parse(ctx, eng, f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", o.BpmnFile, err)
	}
	vars, err := readVars(o.VarsFile)
	if err != nil {
		return err
	}

	log := logstream.NewMemoryLog()
	p := partition.New(1, log, partition.WithExpressionEngine(eng))
	res := make(chan error, 1)
	go func() { res <- p.Start(ctx) }()
	select {
	case <-p.Ready():
	case err := <-res:
		return fmt.Errorf("start partition: %w", err)
	}

	deployment := &model.DeploymentValue{}
	for _, proc := range processes {
		deployment.Processes = append(deployment.Processes, &model.DeployedProcess{Process: proc})
	}
	if _, err := submit(ctx, p, &model.Record{ValueType: model.ValueDeployment, Intent: model.Create, Deployment: deployment}); err != nil {
		return err
	}
	resp, err := submit(ctx, p, &model.Record{
		ValueType: model.ValueProcessInstanceCreation,
		Intent:    model.Create,
		Creation:  &model.ProcessInstanceCreationValue{BpmnProcessID: o.ProcessID, Variables: vars},
	})
	if err != nil {
		return err
	}
	pik := instanceKey(resp)

	if o.CompleteTasks {
		for i := 0; i < o.MaxSteps; i++ {
			key, err := nextTask(ctx, p, log)
			if err != nil {
				return err
			}
			if key == 0 {
				break
			}
			if _, err := submit(ctx, p, &model.Record{Key: key, ValueType: model.ValueProcessInstance, Intent: model.CompleteElement}); err != nil {
				return err
			}
		}
	}

	recs, err := log.Records()
	if err != nil {
		return err
	}
	if err := render(out, recs); err != nil {
		return err
	}
	return p.Query(ctx, func(e *workflow.Engine) error {
		if e.State().Instances.Exists(pik) {
			pterm.Warning.WithWriter(out).Printfln("instance %d is still active", pik)
		} else {
			pterm.Success.WithWriter(out).Printfln("instance %d completed", pik)
		}
		if o.Dump {
			_, err := fmt.Fprintln(out, e.State().Dump())
			return err
		}
		return nil
	})
}

func readVars(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read variables: %w", err)
	}
	vars := make(map[string]any)
	if err := yaml.Unmarshal(b, &vars); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	return document.EncodeMap(vars)
}

func submit(ctx context.Context, p *partition.Partition, rec *model.Record) (*partition.Response, error) {
	rec.RecordType = model.RecordCommand
	resp, err := p.Submit(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("submit %s %s: %w", rec.ValueType, rec.Intent, err)
	}
	if rej := resp.Rejection(); rej != nil {
		return nil, fmt.Errorf("%s %s rejected: %s %s", rec.ValueType, rec.Intent, rej.RejectionType, rej.RejectionReason)
	}
	return resp, nil
}

func instanceKey(resp *partition.Response) int64 {
	for _, f := range resp.FollowUps {
		if f.ValueType == model.ValueProcessInstanceCreation && f.Intent == model.Created {
			return f.Key
		}
	}
	return 0
}

// nextTask finds the oldest service or user task still waiting for completion.
func nextTask(ctx context.Context, p *partition.Partition, log *logstream.MemoryLog) (int64, error) {
	var key int64
	err := p.Query(ctx, func(e *workflow.Engine) error {
		recs, err := log.Records()
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.RecordType != model.RecordEvent || rec.Intent != model.ElementActivated || rec.ProcessInstance == nil {
				continue
			}
			if t := rec.ProcessInstance.ElementType; t != model.ElementServiceTask && t != model.ElementUserTask {
				continue
			}
			ei, err := e.State().Instances.Get(rec.Key)
			if err != nil || ei.State != model.ElementActivated {
				continue
			}
			key = rec.Key
			return nil
		}
		return nil
	})
	return key, err
}

func render(out io.Writer, recs []*model.Record) error {
	data := pterm.TableData{{"Pos", "Src", "Type", "Value", "Intent", "Key", "Element"}}
	for _, rec := range recs {
		element := ""
		if rec.ProcessInstance != nil {
			element = rec.ProcessInstance.ElementID + " (" + string(rec.ProcessInstance.ElementType) + ")"
		}
		if rec.RecordType == model.RecordRejection {
			element = string(rec.RejectionType) + ": " + rec.RejectionReason
		}
		data = append(data, []string{
			strconv.FormatInt(rec.Position, 10),
			strconv.FormatInt(rec.SourcePosition, 10),
			rec.RecordType.String(),
			string(rec.ValueType),
			string(rec.Intent),
			strconv.FormatInt(rec.Key, 10),
			element,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render(); err != nil {
		return fmt.Errorf("render log: %w", err)
	}
	return nil
}
