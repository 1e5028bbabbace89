package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/relayq/internal/client"
	"github.com/fentz26/relayq/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit, await and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [payload...]",
	Short: "Submit a task",
	Long: `Submits a task whose payload is the arguments joined by spaces. The default
connector runs the payload as a command line, or as {"cmd": ..., "args": [...]}
when it is a JSON object.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskSubmit,
}

var taskAwaitCmd = &cobra.Command{
	Use:   "await [task-id...]",
	Short: "Wait for tasks to finish and print their results",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskAwait,
}

var taskStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show store counts",
	RunE:  runTaskState,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks (requires the HTTP endpoints)",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details (requires the HTTP endpoints)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var (
	submitWait  bool
	taskStatus  string
	dialTimeout time.Duration
	awaitFor    time.Duration
)

func init() {
	taskCmd.AddCommand(taskSubmitCmd, taskAwaitCmd, taskStateCmd, taskListCmd, taskShowCmd)
	taskCmd.PersistentFlags().DurationVar(&dialTimeout, "dial-timeout", 5*time.Second, "Connection timeout")

	taskSubmitCmd.Flags().BoolVar(&submitWait, "wait", false, "Wait for the task to finish and print its result")
	taskSubmitCmd.Flags().DurationVar(&awaitFor, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	taskAwaitCmd.Flags().DurationVar(&awaitFor, "timeout", 0, "Give up waiting after this long (0 waits forever)")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, running, completed, failed)")
}

// connect loads config and dials the wire server.
func connect(ctx context.Context) (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	codec, err := resolveCodec(cfg)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return client.Dial(dialCtx, cfg.Server.Addr, codec)
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.Submit(ctx, []byte(strings.Join(args, " ")))
	if err != nil {
		return err
	}
	fmt.Printf("Submitted task: %d\n", id)

	if !submitWait {
		return nil
	}
	return awaitResults(ctx, c, []models.TaskID{id})
}

func runTaskAwait(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	return awaitResults(ctx, c, ids)
}

// awaitResults registers every id and prints results in the order they arrive.
func awaitResults(ctx context.Context, c *client.Client, ids []models.TaskID) error {
	if awaitFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, awaitFor)
		defer cancel()
	}

	pending := make(map[models.TaskID]bool, len(ids))
	for _, id := range ids {
		if err := c.Await(ctx, id); err != nil {
			return err
		}
		pending[id] = true
	}

	failed := 0
	for len(pending) > 0 {
		select {
		case r, ok := <-c.Completions():
			if !ok {
				if err := c.Err(); err != nil {
					return fmt.Errorf("connection lost with %d tasks outstanding: %w", len(pending), err)
				}
				return fmt.Errorf("connection closed with %d tasks outstanding", len(pending))
			}
			if !pending[r.TaskID] {
				continue
			}
			delete(pending, r.TaskID)
			printResult(r)
			if r.Status == models.TaskStatusFailed {
				failed++
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d tasks: %w", len(pending), ctx.Err())
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(ids))
	}
	return nil
}

func printResult(r models.TaskResult) {
	fmt.Printf("=== Task %d: %s ===\n", r.TaskID, r.Status)
	if r.Error != "" {
		fmt.Printf("Error: %s\n", r.Error)
	}
	if len(r.Output) > 0 {
		fmt.Print(string(r.Output))
		if r.Output[len(r.Output)-1] != '\n' {
			fmt.Println()
		}
	}
}

func runTaskState(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	state, err := c.State(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PENDING\tRUNNING\tCOMPLETED\tFAILED\tTOTAL")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n", state.Pending, state.Running, state.Completed, state.Failed, state.Total)
	return w.Flush()
}

func runTaskList(cmd *cobra.Command, args []string) error {
	url := "/tasks"
	if taskStatus != "" {
		url += "?status=" + taskStatus
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPAYLOAD\tCLAIMED BY")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.ID, t.Status, truncate(string(t.Payload), 40), truncateID(t.ClaimedBy))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	if _, err := parseIDs(args); err != nil {
		return err
	}
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("ID:          %d\n", task.ID)
	fmt.Printf("Status:      %s\n", task.Status)
	fmt.Printf("Payload:     %s\n", task.Payload)
	if task.ClaimedBy != "" {
		fmt.Printf("Claimed By:  %s\n", task.ClaimedBy)
	}
	fmt.Printf("Created:     %s\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", task.UpdatedAt.Format(time.RFC3339))
	return nil
}

// --- Helpers ---

func parseIDs(args []string) ([]models.TaskID, error) {
	ids := make([]models.TaskID, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(strings.TrimPrefix(a, "#"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid task id %q", a)
		}
		ids = append(ids, models.TaskID(n))
	}
	return ids, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
