package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/svcvisor"
	"github.com/loykin/svcvisor/internal/port"
)

func createPortCommand() *cobra.Command {
	portFlags := &PortFlags{}
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Print the first free loopback port",
		Long: `Print the first port in [start, start+max] that can be bound on 127.0.0.1.

Examples:
  svcvisor port --start=7777
  svcvisor port --start=5433 --max=10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := svcvisor.FindAvailablePort(portFlags.Start, portFlags.Max)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), p)
			return err
		},
	}
	cmd.Flags().IntVar(&portFlags.Start, "start", 7777, "preferred port")
	cmd.Flags().IntVar(&portFlags.Max, "max", port.DefaultMaxIncrements, "how many ports above start to try")
	return cmd
}

var errUnhealthy = errors.New("unhealthy")

func createProbeCommand() *cobra.Command {
	probeFlags := &ProbeFlags{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run one health check and exit non-zero when it fails",
		Long: `Run a single HTTP or TCP health check.

Examples:
  svcvisor probe --http=http://127.0.0.1:7777/health
  svcvisor probe --tcp=127.0.0.1:5433 --timeout=1s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := probeSpec(probeFlags)
			if err != nil {
				return err
			}
			if !svcvisor.Probe(cmd.Context(), spec) {
				return fmt.Errorf("%s: %w", spec, errUnhealthy)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: healthy\n", spec)
			return err
		},
	}
	cmd.Flags().StringVar(&probeFlags.HTTP, "http", "", "URL answering 2xx when healthy")
	cmd.Flags().StringVar(&probeFlags.TCP, "tcp", "", "host:port accepting connections when healthy")
	cmd.Flags().DurationVar(&probeFlags.Timeout, "timeout", 2*time.Second, "probe timeout")
	cmd.MarkFlagsMutuallyExclusive("http", "tcp")
	cmd.MarkFlagsOneRequired("http", "tcp")
	return cmd
}

func probeSpec(f *ProbeFlags) (svcvisor.HealthSpec, error) {
	if f.HTTP != "" {
		return svcvisor.HTTPCheck(f.HTTP, f.Timeout), nil
	}
	host, p, err := net.SplitHostPort(f.TCP)
	if err != nil {
		return svcvisor.HealthSpec{}, fmt.Errorf("invalid --tcp %q: %w", f.TCP, err)
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return svcvisor.HealthSpec{}, fmt.Errorf("invalid --tcp port %q", p)
	}
	spec := svcvisor.TCPCheck(host, n, f.Timeout)
	return spec, spec.Validate()
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags, timeout time.Duration) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", defaultAPIUrl, "status API of a running supervisor")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", timeout, "request timeout")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print raw JSON")
}

func createStatusCommand() *cobra.Command {
	apiFlags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status [service]",
		Short: "Show the status of a running supervisor's services",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(apiFlags.APIUrl, apiFlags.APITimeout)
			sts, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				var keep []svcvisor.ServiceStatus
				for _, st := range sts {
					if st.Service == args[0] {
						keep = append(keep, st)
					}
				}
				if len(keep) == 0 {
					return fmt.Errorf("unknown service %s", args[0])
				}
				sts = keep
			}
			if apiFlags.JSON {
				return printJSON(cmd.OutOrStdout(), sts)
			}
			return printStatus(cmd.OutOrStdout(), sts)
		},
	}
	addAPIFlags(cmd, apiFlags, 10*time.Second)
	return cmd
}

func createRestartCommand() *cobra.Command {
	apiFlags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "restart <service>",
		Short: "Restart a service owned by a running supervisor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(apiFlags.APIUrl, apiFlags.APITimeout)
			if err := c.Restart(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s restarted\n", args[0])
			return err
		},
	}
	addAPIFlags(cmd, apiFlags, 2*time.Minute)
	return cmd
}

func createHistoryCommand() *cobra.Command {
	apiFlags := &APIFlags{}
	var limit int
	cmd := &cobra.Command{
		Use:   "history <service>",
		Short: "Show recent lifecycle events of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(apiFlags.APIUrl, apiFlags.APITimeout)
			events, err := c.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if apiFlags.JSON {
				return printJSON(cmd.OutOrStdout(), events)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TIME\tTYPE\tPID\tSTATE\tERROR")
			for _, e := range events {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					e.OccurredAt.Local().Format(time.DateTime), e.Type, e.PID, e.State, e.Error)
			}
			return tw.Flush()
		},
	}
	addAPIFlags(cmd, apiFlags, 10*time.Second)
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, sts []svcvisor.ServiceStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tPORT\tSTATE\tPID\tRESTARTS\tNOTE")
	for _, st := range sts {
		state, pid, restarts, note := "-", "-", "-", ""
		switch {
		case st.ExternallyManaged:
			state, note = "external", st.Detector
		case st.Watchdog != nil:
			state = st.Watchdog.State.String()
			restarts = strconv.Itoa(st.Watchdog.Restarts)
			if st.Watchdog.PID > 0 {
				pid = strconv.Itoa(st.Watchdog.PID)
			}
			note = st.Watchdog.LastError
		}
		p := "-"
		if st.Port > 0 {
			p = strconv.Itoa(st.Port)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", st.Service, p, state, pid, restarts, note)
	}
	return tw.Flush()
}
