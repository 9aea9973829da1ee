package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/logging"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// offlineConnectivity keeps operator sessions from draining. They run while the agent is
// stopped and leave queued work for its next run.
type offlineConnectivity struct{}

func (offlineConnectivity) IsOnline() bool {
	return false
}

type deferredTransmitter struct{}

func (deferredTransmitter) Transmit(_ context.Context, _ syncer.Operation) (syncer.Payload, error) {
	return nil, fmt.Errorf("%w: operator session does not transmit", syncer.ErrTransient)
}

type statusReport struct {
	Pending          int      `json:"pending"`
	PendingEntities  []string `json:"pendingEntities"`
	LastSyncedAt     string   `json:"lastSyncedAt,omitempty"`
	ConflictStrategy string   `json:"conflictStrategy"`
	Conflicts        int      `json:"conflicts"`
	Failed           int      `json:"failed"`
}

type conflictView struct {
	syncer.ConflictRecord
	Fields []fieldView `json:"fields"`
}

type fieldView struct {
	Field  string `json:"field"`
	Local  any    `json:"local"`
	Remote any    `json:"remote"`
}

func withOperatorDevice(cmd *cobra.Command, action func(ctx context.Context, dev *device) error) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewFileLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	dev, err := openDevice(ctx, appConfig, deferredTransmitter{}, offlineConnectivity{}, logger.With(zap.String("session", "operator")))
	if err != nil {
		return err
	}
	defer dev.Close() //nolint:errcheck
	return action(ctx, dev)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, conflict and failed-operation counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperatorDevice(cmd, func(_ context.Context, dev *device) error {
				return writeJSON(cmd, buildStatus(dev.manager))
			})
		},
	}
}

func buildStatus(manager *syncer.Manager) statusReport {
	report := statusReport{
		Pending:          manager.PendingCount(),
		PendingEntities:  []string{},
		ConflictStrategy: string(manager.ConflictStrategy()),
		Conflicts:        len(manager.Conflicts()),
		Failed:           len(manager.FailedOperations()),
	}
	for _, operation := range manager.PendingOperations() {
		report.PendingEntities = append(report.PendingEntities, fmt.Sprintf("%s:%s:%s", operation.Type, operation.Entity, operation.EntityID()))
	}
	if lastSync, ok := manager.LastSyncTime(); ok {
		report.LastSyncedAt = lastSync.UTC().Format(time.RFC3339)
	}
	return report
}

func newConflictsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperatorDevice(cmd, func(_ context.Context, dev *device) error {
				return writeJSON(cmd, conflictViews(dev.manager.Conflicts()))
			})
		},
	}

	var resolutionFlag string
	var mergedFlag string
	resolveCmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Settle a conflict with the local, remote or merged snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolution, err := syncer.ParseResolution(resolutionFlag)
			if err != nil {
				return err
			}
			merged, err := parseMerged(resolution, mergedFlag)
			if err != nil {
				return err
			}
			return withOperatorDevice(cmd, func(ctx context.Context, dev *device) error {
				resolved, err := dev.manager.ResolveConflict(ctx, args[0], resolution, merged)
				if err != nil {
					return err
				}
				if !resolved {
					return fmt.Errorf("conflict %q not found", args[0])
				}
				return writeJSON(cmd, map[string]any{"resolved": args[0], "resolution": resolution, "pending": dev.manager.PendingCount()})
			})
		},
	}
	resolveCmd.Flags().StringVar(&resolutionFlag, "resolution", "", "local, remote or merged")
	resolveCmd.Flags().StringVar(&mergedFlag, "data", "", "Merged record as a JSON object (merged resolution only)")

	strategyCmd := &cobra.Command{
		Use:   "strategy [remote-wins|local-wins|manual]",
		Short: "Show or change the persisted conflict strategy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var strategy syncer.Strategy
			if len(args) == 1 {
				parsed, err := syncer.ParseStrategy(args[0])
				if err != nil {
					return err
				}
				strategy = parsed
			}
			return withOperatorDevice(cmd, func(ctx context.Context, dev *device) error {
				if strategy != "" {
					if err := dev.manager.SetConflictStrategy(ctx, strategy); err != nil {
						return err
					}
				}
				return writeJSON(cmd, map[string]any{"conflictStrategy": dev.manager.ConflictStrategy()})
			})
		},
	}

	cmd.AddCommand(listCommand(cmd), resolveCmd, strategyCmd)
	return cmd
}

func conflictViews(records []syncer.ConflictRecord) []conflictView {
	views := make([]conflictView, 0, len(records))
	for _, record := range records {
		view := conflictView{ConflictRecord: record, Fields: []fieldView{}}
		for _, change := range syncer.DiffFields(record.LocalData, record.RemoteData) {
			view.Fields = append(view.Fields, fieldView{Field: change.Field, Local: change.Local, Remote: change.Remote})
		}
		views = append(views, view)
	}
	return views
}

func parseMerged(resolution syncer.Resolution, raw string) (syncer.Payload, error) {
	raw = strings.TrimSpace(raw)
	if resolution != syncer.ResolutionMerged {
		if raw != "" {
			return nil, fmt.Errorf("--data is only valid with --resolution merged")
		}
		return nil, nil
	}
	if raw == "" {
		return nil, fmt.Errorf("--data is required with --resolution merged")
	}
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var merged syncer.Payload
	if err := decoder.Decode(&merged); err != nil {
		return nil, fmt.Errorf("decode --data: %w", err)
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("--data must be a non-empty JSON object")
	}
	return merged, nil
}

func newFailedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect, retry or discard operations that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperatorDevice(cmd, func(_ context.Context, dev *device) error {
				return writeJSON(cmd, dev.manager.FailedOperations())
			})
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Requeue a failed operation with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperatorDevice(cmd, func(ctx context.Context, dev *device) error {
				if !dev.manager.RetryFailed(ctx, args[0]) {
					return fmt.Errorf("failed operation %q not found", args[0])
				}
				return writeJSON(cmd, map[string]any{"requeued": args[0], "pending": dev.manager.PendingCount()})
			})
		},
	}

	discardCmd := &cobra.Command{
		Use:   "discard <operation-id>",
		Short: "Drop a failed operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperatorDevice(cmd, func(ctx context.Context, dev *device) error {
				if !dev.manager.DiscardFailed(ctx, args[0]) {
					return fmt.Errorf("failed operation %q not found", args[0])
				}
				return writeJSON(cmd, map[string]any{"discarded": args[0]})
			})
		},
	}

	cmd.AddCommand(listCommand(cmd), retryCmd, discardCmd)
	return cmd
}

// listCommand exposes the listing behaviour of parent as an explicit "list" subcommand.
func listCommand(parent *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: parent.Short,
		Args:  cobra.NoArgs,
		RunE:  parent.RunE,
	}
}
