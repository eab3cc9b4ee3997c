package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/LittleBlackStarVisualEffects/ayon-backend/internal/metrics"
	"github.com/LittleBlackStarVisualEffects/ayon-backend/internal/report"
	"github.com/LittleBlackStarVisualEffects/ayon-backend/internal/supervisor"
	"github.com/LittleBlackStarVisualEffects/ayon-backend/pkg/logging"
	"github.com/LittleBlackStarVisualEffects/ayon-backend/pkg/shutdown"
)

// runOptions holds the run command's flag values
type runOptions struct {
	precondition        string
	preconditionRetries int
	backoff             time.Duration
	gracePeriod         time.Duration
	immediateCodes      []int
	metricsListen       string
	historySize         int
	summaryTable        bool
}

func (o *runOptions) register(flags *pflag.FlagSet) {
	flags.StringVar(&o.precondition, "precondition", "", "One-shot command that must exit 0 before supervision starts")
	flags.IntVar(&o.preconditionRetries, "precondition-retries", 0, "Extra precondition attempts before giving up")
	flags.DurationVar(&o.backoff, "backoff", supervisor.DefaultBackoff, "Delay before relaunch after an abnormal exit")
	flags.DurationVar(&o.gracePeriod, "grace-period", supervisor.DefaultGracePeriod, "How long a signaled child may take to exit before SIGKILL")
	flags.IntSliceVar(&o.immediateCodes, "restart-codes", []int{0}, "Exit codes that restart without delay")
	flags.StringVar(&o.metricsListen, "metrics-listen", "", "Address for the metrics/status endpoint (empty disables it)")
	flags.IntVar(&o.historySize, "history-size", report.DefaultMaxResults, "Attempts to keep in the status history")
	flags.BoolVar(&o.summaryTable, "summary", true, "Print an attempt summary table on shutdown")
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Supervise a server command",
	Long: `Run mode executes the precondition once, then launches the given
command in a restart loop. A clean exit (or any exit code in the
immediate-restart set) relaunches instantly; every other exit, signal
death or launch failure waits out the backoff delay first.

The loop only stops when the supervisor receives SIGINT or SIGTERM,
which it forwards to the child before exiting.

Example:
  launcher run --precondition "make deps" -- ./server --host 0.0.0.0 --port 5000
  launcher run --backoff 10s --restart-codes 0,64 -- ./server
  launcher run --metrics-listen :9640 -- ./server`,
	Args: cobra.ArbitraryArgs,
	RunE: runSupervisor,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runOpts.register(runCmd.Flags())
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	log := logging.NewLogger(logging.ParseLevel(logLevel), logJSON)

	cfg, metricsListen, err := buildConfig(&runOpts, cmd.Flags(), args)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(cfg, log)
	if err != nil {
		return err
	}

	recorder := report.NewRecorder(runOpts.historySize)
	sup.AddObserver(recorder)

	shut := shutdown.New(cfg.Policy.GracePeriod+2*time.Second, log)
	defer shut.Shutdown()
	sup.SetStopSignal(shut.Received)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		shut.Wait()
		cancel()
	}()

	// Optional metrics/status listener
	if metricsListen != "" {
		exporter := metrics.NewExporter(recorder, sup.State)
		sup.AddObserver(exporter)
		go exporter.SampleUsage(ctx, metrics.DefaultSampleInterval)

		srv := &http.Server{
			Addr:         metricsListen,
			Handler:      exporter.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		shut.Register(shutdown.StopHTTPServer(srv, "metrics"))

		go func() {
			log.Info("metrics listener started", map[string]interface{}{
				"addr": metricsListen,
			})
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics listener failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}

	if err := sup.RunPrecondition(ctx); err != nil {
		log.Error("precondition failed, not starting supervision", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	err = sup.Supervise(ctx)

	if runOpts.summaryTable {
		recorder.WriteTable(os.Stdout)
	}

	return err
}

// buildConfig merges flags, environment and the config file into the
// supervisor configuration and the effective metrics listen address.
// Flags win over config values.
func buildConfig(o *runOptions, flags *pflag.FlagSet, args []string) (supervisor.Config, string, error) {
	command := viper.GetString("command")
	cmdArgs := viper.GetStringSlice("args")
	if len(args) > 0 {
		command = args[0]
		cmdArgs = args[1:]
	}
	if command == "" {
		return supervisor.Config{}, "", fmt.Errorf("no command specified: pass it after -- or set it in the config file")
	}

	pre := viper.GetString("precondition")
	if flags.Changed("precondition") {
		pre = o.precondition
	}
	preCommand, preArgs := splitCommandLine(pre)

	retries := viper.GetInt("precondition_retries")
	if flags.Changed("precondition-retries") {
		retries = o.preconditionRetries
	}

	boff := viper.GetDuration("backoff")
	if flags.Changed("backoff") {
		boff = o.backoff
	}
	grace := viper.GetDuration("grace_period")
	if flags.Changed("grace-period") {
		grace = o.gracePeriod
	}
	codes := viper.GetIntSlice("immediate_restart_codes")
	if flags.Changed("restart-codes") {
		codes = o.immediateCodes
	}
	listen := viper.GetString("metrics_listen")
	if flags.Changed("metrics-listen") {
		listen = o.metricsListen
	}

	cfg := supervisor.Config{
		Command:             command,
		Args:                cmdArgs,
		Precondition:        preCommand,
		PreconditionArgs:    preArgs,
		PreconditionRetries: retries,
		Policy:              supervisor.NewPolicy(codes, boff, grace),
	}
	return cfg, listen, nil
}

// splitCommandLine splits a whitespace-separated command string into
// the command and its arguments. Quoting is not supported; configure
// args as a list in the config file when they contain spaces.
func splitCommandLine(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
