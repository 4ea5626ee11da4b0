package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var rootCmd = &cobra.Command{
	Use:   "closurectl",
	Short: "Back-office tool for brokerage account closures",
	Long: `closurectl drives the account-closure service through its internal API.

Subcommands:
  initiate - Start a closure for a user's account
  status   - Show the live state of a closure
  resume   - Nudge a stalled closure forward by one step
  audit    - Print the audit trail of a closure
  review   - List closures waiting on manual review

The API address and token come from --api/--token, a YAML config file
(--config), or the CLOSURECTL_API_URL / CLOSURECTL_INTERNAL_TOKEN
environment variables.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

var (
	cfgFile  string
	apiURL   string
	apiToken string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "base URL of the closure service")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "internal API token")
}

type fileConfig struct {
	APIURL        string `yaml:"api_url"`
	InternalToken string `yaml:"internal_token"`
}

func newClient() (*apiClient, error) {
	url := apiURL
	token := apiToken
	if cfgFile != "" {
		data, err := os.ReadFile(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if url == "" {
			url = fc.APIURL
		}
		if token == "" {
			token = fc.InternalToken
		}
	}
	if url == "" {
		url = os.Getenv("CLOSURECTL_API_URL")
	}
	if token == "" {
		token = os.Getenv("CLOSURECTL_INTERNAL_TOKEN")
	}
	if url == "" {
		return nil, fmt.Errorf("api url not set (use --api, --config or CLOSURECTL_API_URL)")
	}
	if token == "" {
		return nil, fmt.Errorf("internal token not set (use --token, --config or CLOSURECTL_INTERNAL_TOKEN)")
	}
	return &apiClient{
		baseURL: strings.TrimRight(url, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return err
		}
		rdr = buf
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Token", c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
