package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/medislot/medsync/internal/client"
	"github.com/medislot/medsync/internal/queue"
	"github.com/medislot/medsync/internal/reconcile"
	"github.com/medislot/medsync/pkg/model"
)

type statusView struct {
	Network      string      `json:"network"`
	LastOnlineAt *time.Time  `json:"last_online_at,omitempty"`
	Pending      int         `json:"pending"`
	DeadLetters  int         `json:"dead_letters"`
	Durable      bool        `json:"durable"`
	Syncing      bool        `json:"syncing"`
	LastSync     *time.Time  `json:"last_sync,omitempty"`
	LastResult   *resultView `json:"last_result,omitempty"`
}

type resultView struct {
	Applied      int    `json:"applied"`
	Individually int    `json:"individually"`
	DeadLettered int    `json:"dead_lettered"`
	Remaining    int    `json:"remaining"`
	Drained      bool   `json:"drained"`
	Error        string `json:"error,omitempty"`
}

func newResultView(r reconcile.Result) *resultView {
	v := &resultView{
		Applied:      r.Applied,
		Individually: r.Individually,
		DeadLettered: r.DeadLettered,
		Remaining:    r.Remaining,
		Drained:      r.Drained,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

func newStatusView(st client.Status) statusView {
	v := statusView{
		Network:     st.Network.String(),
		Pending:     st.Pending,
		DeadLetters: st.DeadLetters,
		Durable:     st.Durable,
		Syncing:     st.Syncing,
	}
	if !st.LastOnlineAt.IsZero() {
		t := st.LastOnlineAt
		v.LastOnlineAt = &t
	}
	if !st.LastSync.IsZero() {
		t := st.LastSync
		v.LastSync = &t
		v.LastResult = newResultView(st.LastResult)
	}
	return v
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				v := newStatusView(c.GetStatus())
				return opts.output(cmd).Print(v, func(w io.Writer) {
					fmt.Fprintf(w, "network:\t%s\n", v.Network)
					fmt.Fprintf(w, "pending:\t%d\n", v.Pending)
					fmt.Fprintf(w, "dead letters:\t%d\n", v.DeadLetters)
					if !v.Durable {
						fmt.Fprintln(w, "durable:\tno (recent writes are held in memory only)")
					}
					if v.LastOnlineAt != nil {
						fmt.Fprintf(w, "last online:\t%s\n", v.LastOnlineAt.Format(time.RFC3339))
					}
				})
			})
		},
	}
}

func newPendingCommand(opts *RootOptions) *cobra.Command {
	var cancelID string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued operations, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if cancelID != "" {
					if err := c.Queue().Cancel(cancelID); err != nil {
						return WrapExitError(ExitFailure, "cancel failed", err)
					}
				}
				ops := c.Queue().List()
				if ops == nil {
					ops = []queue.PendingOperation{}
				}
				return opts.output(cmd).Print(ops, func(w io.Writer) {
					fmt.Fprintln(w, "ID\tTYPE\tCOLLECTION\tDOCUMENT\tATTEMPTS\tQUEUED")
					for _, op := range ops {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", op.ID, op.Type, op.Collection, op.DocumentID,
							op.Attempts, time.UnixMilli(op.EnqueuedAt).Format(time.RFC3339))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&cancelID, "cancel", "", "drop the queued operation with this id before listing")
	return cmd
}

func newDeadLettersCommand(opts *RootOptions) *cobra.Command {
	var requeueID string
	var purge bool
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List, requeue or purge operations the backend refused",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if requeueID != "" && purge {
				return NewExitError(ExitCommandError, "--requeue and --purge are mutually exclusive")
			}
			return opts.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				q := c.Queue()
				switch {
				case requeueID != "":
					if _, err := q.Requeue(requeueID); err != nil {
						return WrapExitError(ExitFailure, "requeue failed", err)
					}
				case purge:
					q.PurgeDeadLetters()
				}
				dead := q.DeadLetters()
				if dead == nil {
					dead = []queue.DeadLetter{}
				}
				return opts.output(cmd).Print(dead, func(w io.Writer) {
					fmt.Fprintln(w, "ID\tTYPE\tCOLLECTION\tDOCUMENT\tFAILED\tREASON")
					for _, d := range dead {
						op := d.Operation
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", op.ID, op.Type, op.Collection, op.DocumentID,
							time.UnixMilli(d.FailedAt).Format(time.RFC3339), d.Reason)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&requeueID, "requeue", "", "move the dead-lettered operation with this id back into the queue")
	cmd.Flags().BoolVar(&purge, "purge", false, "discard all dead-lettered operations")
	return cmd
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued operations against the backend now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if !c.Monitor().IsOnline() && !c.RetryConnection(ctx) {
					return NewExitError(ExitFailure, "backend unreachable")
				}
				synced := c.TriggerReconciliation(ctx)
				st := c.GetStatus()
				v := newResultView(st.LastResult)
				if err := opts.output(cmd).Print(v, func(w io.Writer) {
					fmt.Fprintf(w, "applied:\t%d\n", v.Applied+v.Individually)
					fmt.Fprintf(w, "dead-lettered:\t%d\n", v.DeadLettered)
					fmt.Fprintf(w, "remaining:\t%d\n", st.Pending)
					if v.Error != "" {
						fmt.Fprintf(w, "stopped:\t%s\n", v.Error)
					}
				}); err != nil {
					return err
				}
				switch {
				case synced:
				case v.DeadLettered > 0:
					return NewExitError(ExitFailure, "operations were moved to dead letters")
				default:
					return NewExitError(ExitFailure, "operations remain queued")
				}
				return nil
			})
		},
	}
}

func newPutCommand(opts *RootOptions) *cobra.Command {
	var data string
	var merge bool
	cmd := &cobra.Command{
		Use:   "put <collection> [id]",
		Short: "Create or update a document; queued when offline",
		Long: `Write a document. Without an id the backend assigns one; while offline a
placeholder id is printed instead. With --merge the fields are merged into
the existing document.

Example:
  medsync put appointments a1 --data '{"slot":"09:00","doctor":"d7"}'
  medsync put appointments a1 --merge --data '{"status":"confirmed"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields map[string]interface{}
			if err := json.Unmarshal([]byte(data), &fields); err != nil {
				return WrapExitError(ExitCommandError, "invalid --data", err)
			}
			var id string
			if len(args) == 2 {
				id = args[1]
			}
			if merge && id == "" {
				return NewExitError(ExitCommandError, "--merge requires an id")
			}
			return opts.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				var err error
				if merge {
					err = c.Docs().Update(ctx, args[0], id, fields)
				} else {
					id, err = c.Docs().Create(ctx, args[0], id, fields)
				}
				if err != nil {
					return writeError(err)
				}
				return printWrite(cmd, opts, c, args[0], id)
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "document fields as a JSON object")
	cmd.Flags().BoolVar(&merge, "merge", false, "merge into the existing document instead of replacing it")
	return cmd
}

func newDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a document; queued when offline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.Docs().Delete(ctx, args[0], args[1]); err != nil {
					return writeError(err)
				}
				return printWrite(cmd, opts, c, args[0], args[1])
			})
		},
	}
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Read a document from the backend or the local cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				doc, err := c.Docs().Get(ctx, args[0], args[1])
				if err != nil {
					return WrapExitError(ExitFailure, "read failed", err)
				}
				if doc == nil {
					return NewExitError(ExitFailure, "document not found")
				}
				// Documents print as JSON in both formats.
				out := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
				return out.Print(doc, nil)
			})
		},
	}
}

type writeView struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Queued     bool   `json:"queued"`
	Pending    int    `json:"pending"`
}

func printWrite(cmd *cobra.Command, opts *RootOptions, c *client.Client, collection, id string) error {
	v := writeView{
		Collection: collection,
		ID:         id,
		Queued:     !c.Monitor().IsOnline() || model.IsPlaceholderID(id),
		Pending:    c.GetPendingCount(),
	}
	return opts.output(cmd).Print(v, func(w io.Writer) {
		state := "written"
		if v.Queued {
			state = "queued"
		}
		fmt.Fprintf(w, "%s/%s\t%s\t(%d pending)\n", v.Collection, v.ID, state, v.Pending)
	})
}

func writeError(err error) error {
	if errors.Is(err, model.ErrInvalidOperation) {
		return WrapExitError(ExitCommandError, "invalid write", err)
	}
	if model.IsRejected(err) {
		return WrapExitError(ExitFailure, "rejected by backend", err)
	}
	return WrapExitError(ExitFailure, "write failed", err)
}
