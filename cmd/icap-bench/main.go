// Command icap-bench is a small CLI ICAP client, mirroring the flag
// surface of the stretch tester / file sender / bench client tools an
// ICAP server implementation is usually shipped alongside: point it at
// a server and service, optionally feed it a file as the encapsulated
// HTTP body, and it reports the outcome.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	icapclient "github.com/gicap/gicap"
)

type benchFlags struct {
	server     string
	port       int
	service    string
	inFile     string
	outFile    string
	reqURL     string
	respURL    string
	method     string
	icapHdrs   []string
	httpHdrs   []string
	respHdrs   []string
	preview    int
	no204      bool
	allow206   bool
	noPreview  bool
	useTLS     bool
	timeoutSec int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &benchFlags{}

	cmd := &cobra.Command{
		Use:   "icap-bench",
		Short: "drive a single ICAP transaction against a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			bindViper(cmd, f)
			return run(f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.server, "server", "i", "127.0.0.1", "ICAP server address")
	flags.IntVarP(&f.port, "port", "p", 1344, "ICAP server port")
	flags.StringVarP(&f.service, "service", "s", "", "ICAP service name")
	flags.StringVarP(&f.inFile, "file", "f", "", "file to send as the encapsulated HTTP body")
	flags.StringVarP(&f.outFile, "out", "o", "", "write the returned body to this file instead of stdout")
	flags.StringVar(&f.reqURL, "req", "", "encapsulate a REQMOD request for this origin URL")
	flags.StringVar(&f.respURL, "resp", "", "encapsulate a RESPMOD request/response pair for this origin URL")
	flags.StringVar(&f.method, "method", "", "override the HTTP method used to build the encapsulated request")
	flags.StringArrayVarP(&f.icapHdrs, "x", "x", nil, "extra ICAP header, \"Name: value\" (repeatable)")
	flags.StringArrayVar(&f.httpHdrs, "hx", nil, "extra encapsulated HTTP request header (repeatable)")
	flags.StringArrayVar(&f.respHdrs, "rhx", nil, "extra encapsulated HTTP response header (repeatable)")
	flags.IntVarP(&f.preview, "w", "w", -1, "preview size in bytes (-1: ask the server via OPTIONS)")
	flags.BoolVar(&f.no204, "no204", false, "do not advertise Allow: 204")
	flags.BoolVar(&f.allow206, "206", false, "advertise Allow: 206")
	flags.BoolVar(&f.noPreview, "nopreview", false, "skip the preview exchange entirely")
	flags.BoolVar(&f.useTLS, "tls", false, "use an icaps:// service URL (the client accepts only icap:// and has no TLS transport, so the request fails)")
	flags.IntVar(&f.timeoutSec, "timeout", 15, "connection timeout in seconds")

	cobra.OnInitialize(func() { viper.SetEnvPrefix("ICAP_BENCH"); viper.AutomaticEnv() })

	return cmd
}

func bindViper(cmd *cobra.Command, f *benchFlags) {
	_ = viper.BindPFlags(cmd.Flags())
	if f.server == "" {
		f.server = viper.GetString("server")
	}
}

func run(f *benchFlags) error {
	if f.service == "" {
		return fmt.Errorf("icap-bench: -s/--service is required")
	}
	if f.reqURL == "" && f.respURL == "" {
		return fmt.Errorf("icap-bench: one of -req or -resp is required")
	}

	scheme := "icap"
	if f.useTLS {
		scheme = "icaps"
	}
	baseURL := fmt.Sprintf("%s://%s:%d/%s", scheme, f.server, f.port, f.service)

	client, err := icapclient.NewClient(icapclient.Options{Timeout: time.Duration(f.timeoutSec) * time.Second})
	if err != nil {
		return err
	}

	ctx := context.Background()

	preview := f.preview
	if !f.noPreview && preview < 0 {
		optReq, err := icapclient.NewRequest(ctx, icapclient.MethodOPTIONS, baseURL, nil, nil)
		if err != nil {
			return err
		}
		optResp, err := client.Do(optReq)
		if err != nil {
			return fmt.Errorf("OPTIONS failed: %w", err)
		}
		preview = optResp.PreviewBytes
	}

	method := icapclient.MethodREQMOD
	targetURL := f.reqURL
	if f.respURL != "" {
		method = icapclient.MethodRESPMOD
		targetURL = f.respURL
	}

	httpMethod := f.method
	if httpMethod == "" {
		httpMethod = http.MethodGet
	}

	var body io.Reader
	if f.inFile != "" {
		data, err := os.ReadFile(f.inFile)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(data))
	}

	httpReq, err := http.NewRequest(httpMethod, targetURL, body)
	if err != nil {
		return err
	}
	for _, h := range f.httpHdrs {
		applyHeader(httpReq.Header, h)
	}

	var httpResp *http.Response
	if method == icapclient.MethodRESPMOD {
		httpClient := &http.Client{Timeout: time.Duration(f.timeoutSec) * time.Second}
		httpResp, err = httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("fetching origin response: %w", err)
		}
		for _, h := range f.respHdrs {
			applyHeader(httpResp.Header, h)
		}
	}

	req, err := icapclient.NewRequest(ctx, method, baseURL, httpReq, httpResp)
	if err != nil {
		return err
	}
	for _, h := range f.icapHdrs {
		applyHeader(req.Header, h)
	}
	switch {
	case f.no204 && f.allow206:
		req.Header.Set("Allow", "206")
	case f.no204:
		req.Header.Set("Allow", "0")
	case f.allow206:
		req.Header.Set("Allow", "204, 206")
	}
	if !f.noPreview && preview >= 0 {
		if err := req.SetPreview(preview); err != nil {
			return err
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}

	if err := writeOutcome(f.outFile, resp); err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}

func applyHeader(h http.Header, raw string) {
	name, val, ok := strings.Cut(raw, ":")
	if !ok {
		return
	}
	h.Set(strings.TrimSpace(name), strings.TrimSpace(val))
}

func writeOutcome(outFile string, resp *icapclient.Response) error {
	w := io.Writer(os.Stdout)
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	fmt.Fprintf(os.Stderr, "ICAP %d %s\n", resp.StatusCode, resp.Status)
	if resp.ContentResponse != nil && resp.ContentResponse.Body != nil {
		_, err := io.Copy(w, resp.ContentResponse.Body)
		return err
	}
	if resp.ContentRequest != nil && resp.ContentRequest.Body != nil {
		_, err := io.Copy(w, resp.ContentRequest.Body)
		return err
	}
	return nil
}
