package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check if the devicegate server is running",
		Long:  "Check the server process and its readiness, which includes the store connection.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

type statusReport struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	URL     string `json:"url,omitempty"`
	Ready   bool   `json:"ready"`
	Store   string `json:"store,omitempty"`
	Logs    string `json:"logs"`
	Detail  string `json:"detail,omitempty"`
}

func runStatus(jsonOutput bool) error {
	report := checkStatus()
	if jsonOutput {
		return printJSON(report)
	}

	switch {
	case !report.Running:
		fmt.Printf("Server is not running (%s).\n", report.Detail)
	case report.Store == "":
		fmt.Printf("Server process is running (PID %d) but not responding to HTTP.\n", report.PID)
		fmt.Printf("  Logs: %s\n", report.Logs)
	default:
		fmt.Printf("Server is running (PID %d)\n", report.PID)
		fmt.Printf("  URL:    %s\n", report.URL)
		fmt.Printf("  Ready:  %s (store %s)\n", yesNo(report.Ready), report.Store)
		fmt.Printf("  Logs:   %s\n", report.Logs)
	}
	return nil
}

func checkStatus() statusReport {
	report := statusReport{Logs: logFilePath()}

	pid, err := readPID()
	if err != nil {
		report.Detail = "no PID file found"
		return report
	}
	if !isProcessRunning(pid) {
		removePID()
		report.Detail = "stale PID file removed"
		return report
	}
	report.Running = true
	report.PID = pid

	host := viper.GetString("server.host")
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	port := viper.GetInt("server.port")
	if port == 0 {
		port = 8080
	}
	scheme := "http"
	if viper.GetBool("server.tls.enabled") {
		scheme = "https"
	}
	report.URL = fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)))

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(report.URL + "/readyz")
	if err != nil {
		report.Detail = err.Error()
		return report
	}
	defer resp.Body.Close()

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	report.Ready = resp.StatusCode == http.StatusOK
	report.Store = body.Checks["store"]
	if report.Store == "" {
		report.Store = http.StatusText(resp.StatusCode)
	}
	return report
}
