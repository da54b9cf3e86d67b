package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nimbusctl",
	Short: "nimbusctl talks to a running nimbusd over its control-plane HTTP API",
}

func init() {
	rootCmd.PersistentFlags().String("endpoint", "http://127.0.0.1:8080", "nimbusd base URL")
	rootCmd.AddCommand(namespaceCmd, actorCmd, runnerCmd, epoxyCmd)
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

func endpoint(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("endpoint")
	return strings.TrimSuffix(v, "/")
}

func doRequest(cmd *cobra.Command, method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, endpoint(cmd)+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return out, resp.StatusCode, err
}

func printResult(out []byte, status int) error {
	if status >= 400 {
		return fmt.Errorf("request failed with status %d: %s", status, string(out))
	}
	if len(out) == 0 {
		fmt.Println("ok")
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		fmt.Println(string(out))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

// Namespace commands.

var namespaceCmd = &cobra.Command{
	Use:   "namespace",
	Short: "Manage namespaces",
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List namespaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, status, err := doRequest(cmd, http.MethodGet, "/namespaces", nil)
			if err != nil {
				return err
			}
			return printResult(out, status)
		},
	}
	createCmd := &cobra.Command{
		Use:   "create [name] [display-name]",
		Short: "Create a namespace",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"name": args[0]}
			if len(args) > 1 {
				body["display_name"] = args[1]
			}
			out, status, err := doRequest(cmd, http.MethodPost, "/namespaces", body)
			if err != nil {
				return err
			}
			return printResult(out, status)
		},
	}
	namespaceCmd.AddCommand(listCmd, createCmd)
}

// Actor commands.

var actorCmd = &cobra.Command{
	Use:   "actor",
	Short: "Manage actors",
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List actors in a namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			out, status, err := doRequest(cmd, http.MethodGet, "/actors?namespace="+ns, nil)
			if err != nil {
				return err
			}
			return printResult(out, status)
		},
	}
	listCmd.Flags().String("namespace", "", "Namespace name")

	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			key, _ := cmd.Flags().GetString("key")
			dc, _ := cmd.Flags().GetString("datacenter")
			body := map[string]any{"name": args[0], "key": key, "datacenter": dc}
			out, status, err := doRequest(cmd, http.MethodPost, "/actors?namespace="+ns, body)
			if err != nil {
				return err
			}
			return printResult(out, status)
		},
	}
	createCmd.Flags().String("namespace", "", "Namespace name")
	createCmd.Flags().String("key", "", "Get-or-create key")
	createCmd.Flags().String("datacenter", "", "Zone to pin the actor to")

	getCmd := &cobra.Command{
		Use:   "get [actor-id]",
		Short: "Get an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			out, status, err := doRequest(cmd, http.MethodGet, "/actors/"+args[0]+"?namespace="+ns, nil)
			if err != nil {
				return err
			}
			return printResult(out, status)
		},
	}
	getCmd.Flags().String("namespace", "", "Namespace name")

	destroyCmd := &cobra.Command{
		Use:   "destroy [actor-id]",
		Short: "Destroy an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			out, status, err := doRequest(cmd, http.MethodDelete, "/actors/"+args[0]+"?namespace="+ns, nil)
			if err != nil {
				return err
			}
			return printResult(out, status)
		},
	}
	destroyCmd.Flags().String("namespace", "", "Namespace name")

	actorCmd.AddCommand(listCmd, createCmd, getCmd, destroyCmd)
}

// Runner commands.

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Manage runners and runner configs",
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runners in a namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			out, status, err := doRequest(cmd, http.MethodGet, "/runners?namespace="+ns, nil)
			if err != nil {
				return err
			}
			return printResult(out, status)
		},
	}
	listCmd.Flags().String("namespace", "", "Namespace name")
	runnerCmd.AddCommand(listCmd)
}

// Epoxy debug commands, per the control-plane's cross-zone directory
// debug surface.

var epoxyCmd = &cobra.Command{
	Use:   "epoxy",
	Short: "Inspect and mutate the cross-zone EPaxos directories",
}

func init() {
	replicaDebugCmd := &cobra.Command{
		Use:   "replica-debug [replica-id]",
		Short: "Dump every log instance a replica holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, status, err := doRequest(cmd, http.MethodGet, "/epoxy/replica-debug/"+args[0], nil)
			if err != nil {
				return err
			}
			return printResult(out, status)
		},
	}

	keyDebugCmd := &cobra.Command{
		Use:   "key-debug [replica-id] [key]",
		Short: "Dump the log instances touching one key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, status, err := doRequest(cmd, http.MethodGet, "/epoxy/key-debug/"+args[0]+"/"+args[1], nil)
			if err != nil {
				return err
			}
			return printResult(out, status)
		},
	}

	getLocalCmd := &cobra.Command{
		Use:   "get-local [key]",
		Short: "Read a key from this zone's local directory snapshot, bypassing consensus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, status, err := doRequest(cmd, http.MethodGet, "/epoxy/get-local/"+args[0], nil)
			if err != nil {
				return err
			}
			return printResult(out, status)
		},
	}

	setCmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Propose a key/value write through this zone's replica",
		Long: `Set proposes key=value through consensus. value is parsed by a
typed prefix: u64:N, str:S, or json:{...}; with no prefix it is treated
as a raw string.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseTypedValue(args[1])
			if err != nil {
				return err
			}
			body := map[string]any{"key": args[0], "value": base64.StdEncoding.EncodeToString(value)}
			out, status, err := doRequest(cmd, http.MethodPost, "/epoxy/set", body)
			if err != nil {
				return err
			}
			return printResult(out, status)
		},
	}

	epoxyCmd.AddCommand(replicaDebugCmd, keyDebugCmd, getLocalCmd, setCmd)
}

// parseTypedValue decodes nimbusctl's "u64:", "str:", "json:" value
// prefixes into the raw bytes the directory stores.
func parseTypedValue(raw string) ([]byte, error) {
	switch {
	case strings.HasPrefix(raw, "u64:"):
		n, err := strconv.ParseUint(strings.TrimPrefix(raw, "u64:"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid u64 value: %w", err)
		}
		return []byte(strconv.FormatUint(n, 10)), nil
	case strings.HasPrefix(raw, "str:"):
		return []byte(strings.TrimPrefix(raw, "str:")), nil
	case strings.HasPrefix(raw, "json:"):
		js := strings.TrimPrefix(raw, "json:")
		var v any
		if err := json.Unmarshal([]byte(js), &v); err != nil {
			return nil, fmt.Errorf("invalid json value: %w", err)
		}
		return []byte(js), nil
	default:
		return []byte(raw), nil
	}
}
