// Command rbioctl is a terminal client for the rbiocverse server. It
// talks the same JSON and SSE API the web UI uses, which makes it handy
// for scripting and for poking a deployment without a browser.
package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/user"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagServer  string
	flagUser    string
	flagHeader  string
	flagTimeout time.Duration

	flagRefresh bool

	flagRelease  string
	flagCPUs     int
	flagMemory   string
	flagWalltime string
	flagGPU      string

	flagCancel bool

	cmdRoot = &cobra.Command{
		Use:           "rbioctl",
		Short:         "Control rbiocverse IDE sessions on SLURM clusters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmdStatus = &cobra.Command{
		Use:   "status",
		Short: "List your sessions across all clusters",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	cmdClusterStatus = &cobra.Command{
		Use:   "cluster-status",
		Short: "Show the queue snapshot of every cluster",
		Args:  cobra.NoArgs,
		RunE:  runClusterStatus,
	}

	cmdLaunch = &cobra.Command{
		Use:   "launch <hpc> [ide]",
		Short: "Launch an IDE session and follow its progress",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runLaunch,
	}

	cmdStop = &cobra.Command{
		Use:   "stop <hpc> <ide>",
		Short: "Stop one session",
		Args:  cobra.ExactArgs(2),
		RunE:  runStop,
	}

	cmdStopAll = &cobra.Command{
		Use:   "stop-all <hpc>",
		Short: "Cancel every job you hold on one cluster",
		Args:  cobra.ExactArgs(1),
		RunE:  runStopAll,
	}
)

func defaultUser() string {
	if v := os.Getenv("RBIOC_USER"); v != "" {
		return v
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func init() {
	server := os.Getenv("RBIOC_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	header := os.Getenv("RBIOC_USER_HEADER")
	if header == "" {
		header = "X-Remote-User"
	}
	pf := cmdRoot.PersistentFlags()
	pf.StringVar(&flagServer, "server", server, "server base URL (env RBIOC_SERVER)")
	pf.StringVar(&flagUser, "user", defaultUser(), "username sent in the trusted header (env RBIOC_USER)")
	pf.StringVar(&flagHeader, "header", header, "trusted header name (env RBIOC_USER_HEADER)")
	pf.DurationVar(&flagTimeout, "timeout", 30*time.Second, "per-request timeout for non-streaming calls")

	cmdClusterStatus.Flags().BoolVar(&flagRefresh, "refresh", false, "bypass the status cache")

	lf := cmdLaunch.Flags()
	lf.StringVar(&flagRelease, "release", "", "release image version (cluster default when empty)")
	lf.IntVar(&flagCPUs, "cpus", 0, "CPU cores (server default when 0)")
	lf.StringVar(&flagMemory, "memory", "", "memory request, e.g. 32G")
	lf.StringVar(&flagWalltime, "walltime", "", "walltime, e.g. 8:00:00")
	lf.StringVar(&flagGPU, "gpu", "", "GPU type (cluster-specific)")

	cmdStop.Flags().BoolVar(&flagCancel, "cancel", false, "also scancel the SLURM job")

	cmdRoot.AddCommand(cmdStatus, cmdClusterStatus, cmdLaunch, cmdStop, cmdStopAll)
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rbioctl:", err)
		os.Exit(1)
	}
}

func client() (*apiClient, error) {
	if flagUser == "" {
		return nil, fmt.Errorf("no username: set --user or RBIOC_USER")
	}
	return newAPIClient(flagServer, flagUser, flagHeader, flagTimeout), nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	var st statusResponse
	if err := c.doJSON(cmd.Context(), http.MethodGet, "/api/status", nil, &st); err != nil {
		return err
	}
	if len(st.Sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HPC\tIDE\tSTATUS\tJOB\tNODE\tRELEASE\tCPUS\tMEM\tWALL\tPORT")
	for _, s := range st.Sessions {
		active := ""
		if st.ActiveSession != nil && st.ActiveSession.HPC == s.HPC && st.ActiveSession.IDE == s.IDE {
			active = "*"
		}
		port := ""
		if s.LocalPort > 0 {
			port = strconv.Itoa(s.LocalPort)
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			s.HPC, active, s.IDE, s.Status, s.JobID, s.Node, s.Release, s.CPUs, s.Memory, s.Walltime, port)
	}
	return w.Flush()
}

func runClusterStatus(cmd *cobra.Command, _ []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	path := "/api/cluster-status"
	if flagRefresh {
		path += "?refresh=true"
	}
	var cs clusterStatusResponse
	if err := c.doJSON(cmd.Context(), http.MethodGet, path, nil, &cs); err != nil {
		return err
	}

	names := make([]string, 0, len(cs.Clusters))
	for name := range cs.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HPC\tIDE\tSTATE\tJOB\tNODE\tLEFT\tSOURCE")
	for _, name := range names {
		cell := cs.Clusters[name]
		source := "live"
		if cell.Cached {
			source = fmt.Sprintf("cache %ds", cell.AgeMs/1000)
		}
		if cell.Error != "" {
			fmt.Fprintf(w, "%s\t-\tERROR\t%s\t\t\t%s\n", name, cell.Error, source)
			continue
		}
		printed := false
		ides := make([]string, 0, len(cell.IDEs))
		for ide := range cell.IDEs {
			ides = append(ides, ide)
		}
		sort.Strings(ides)
		for _, ide := range ides {
			rec := cell.IDEs[ide]
			if rec == nil {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				name, ide, rec.State, rec.JobID, rec.Node, rec.TimeLeft, source)
			printed = true
		}
		if !printed {
			fmt.Fprintf(w, "%s\t-\tidle\t\t\t\t%s\n", name, source)
		}
	}
	return w.Flush()
}

func runLaunch(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	hpc := args[0]
	ide := "vscode"
	if len(args) == 2 {
		ide = args[1]
	}

	q := url.Values{}
	if flagRelease != "" {
		q.Set("release", flagRelease)
	}
	if flagCPUs > 0 {
		q.Set("cpus", strconv.Itoa(flagCPUs))
	}
	if flagMemory != "" {
		q.Set("memory", flagMemory)
	}
	if flagWalltime != "" {
		q.Set("walltime", flagWalltime)
	}
	if flagGPU != "" {
		q.Set("gpu", flagGPU)
	}
	path := "/api/launch/" + url.PathEscape(hpc) + "/" + url.PathEscape(ide) + "/stream"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var failed bool
	err = c.stream(cmd.Context(), path, func(f sseFrame) {
		switch f.Type {
		case "progress":
			if f.Progress > 0 {
				fmt.Printf("[%3d%%] %-12s %s\n", f.Progress, f.Step, f.Message)
			} else {
				fmt.Printf("[    ] %-12s %s\n", f.Step, f.Message)
			}
		case "pending":
			start := "unknown"
			if f.StartTime != nil {
				start = *f.StartTime
			}
			fmt.Printf("queued: job %s, estimated start %s\n", f.JobID, start)
			fmt.Println(f.Message)
		case "complete":
			fmt.Printf("%s: job %s on %s\n", f.Status, f.JobID, f.Node)
			if f.RedirectURL != "" {
				fmt.Printf("open %s%s\n", flagServer, f.RedirectURL)
			}
		case "error":
			failed = true
			fmt.Fprintln(os.Stderr, "launch failed:", f.Message)
		}
	})
	if err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("launch did not complete")
	}
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	var res struct {
		Stopped   bool   `json:"stopped"`
		Cancelled bool   `json:"cancelled"`
		JobID     string `json:"jobId"`
	}
	body := map[string]any{"cancelJob": flagCancel}
	path := "/api/stop/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1])
	if err := c.doJSON(cmd.Context(), http.MethodPost, path, body, &res); err != nil {
		return err
	}
	switch {
	case res.Cancelled:
		fmt.Printf("stopped and cancelled job %s\n", res.JobID)
	case res.Stopped:
		fmt.Println("stopped (job left running; use --cancel to scancel it)")
	default:
		fmt.Println("nothing to stop")
	}
	return nil
}

func runStopAll(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	var res struct {
		Cancelled int      `json:"cancelled"`
		JobIDs    []string `json:"jobIds"`
		Failed    []string `json:"failed"`
	}
	path := "/api/stop-all/" + url.PathEscape(args[0])
	if err := c.doJSON(cmd.Context(), http.MethodPost, path, nil, &res); err != nil {
		return err
	}
	fmt.Printf("cancelled %d job(s)\n", res.Cancelled)
	for _, id := range res.JobIDs {
		fmt.Println("  cancelled:", id)
	}
	for _, id := range res.Failed {
		fmt.Println("  failed:", id)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d job(s) failed to cancel", len(res.Failed))
	}
	return nil
}
