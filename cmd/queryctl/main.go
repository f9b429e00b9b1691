// queryctl exercises the query cache against a REST endpoint: fetch a
// query once, or watch it and print every cache transition.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	str2duration "github.com/xhit/go-str2duration/v2"
	"go.uber.org/zap"

	"github.com/dashgrid/go-query/query"
)

var (
	flagURL        string
	flagOp         string
	flagParams     []string
	flagStaleAfter string
	flagRedisURL   string
	flagWatch      bool
	flagFor        string
	flagVerbose    bool
)

func main() {
	root := &cobra.Command{
		Use:          "queryctl",
		Short:        "Exercise the go-query cache against a REST endpoint",
		SilenceUsage: true,
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Fetch a query through the cache and print the result",
		RunE:  runGet,
	}
	get.Flags().StringVar(&flagURL, "url", "", "REST endpoint to fetch (required)")
	get.Flags().StringVar(&flagOp, "op", "", "operation name for the cache key (required)")
	get.Flags().StringArrayVar(&flagParams, "param", nil, "query parameter as key=value (repeatable)")
	get.Flags().StringVar(&flagStaleAfter, "stale-after", "", "freshness window override, e.g. 30s or 15m")
	get.Flags().StringVar(&flagRedisURL, "redis", "", "Redis URL for the snapshot tier, e.g. redis://localhost:6379")
	get.Flags().BoolVar(&flagWatch, "watch", false, "subscribe and print every cache transition")
	get.Flags().StringVar(&flagFor, "for", "30s", "how long to watch before exiting")
	get.Flags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")
	_ = get.MarkFlagRequired("url")
	_ = get.MarkFlagRequired("op")
	root.AddCommand(get)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGet(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params, err := parseParams(flagParams)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if flagVerbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
	}

	envOpts, err := query.ConfigFromEnv()
	if err != nil {
		return err
	}
	opts := append([]query.Option{query.WithLogger(logger)}, envOpts...)
	if flagRedisURL != "" {
		ropts, err := redis.ParseURL(flagRedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rc := redis.NewClient(ropts)
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		// The snapshot store resolves its own options, so the env-derived
		// settings (notably QUERY_SNAPSHOT_PREFIX) must reach it too.
		opts = append(opts, query.WithSnapshots(query.NewRedisSnapshots(ctx, rc, envOpts...)))
	}

	var qopts []query.QueryOption
	if flagStaleAfter != "" {
		d, err := str2duration.ParseDuration(flagStaleAfter)
		if err != nil {
			return fmt.Errorf("parse --stale-after: %w", err)
		}
		qopts = append(qopts, query.StaleAfter(d))
	}

	client := query.NewClient(ctx, opts...)
	defer client.Close()

	fetch := restFetch(flagURL)
	if !flagWatch {
		entry, err := client.Fetch(ctx, flagOp, params, fetch, qopts...)
		if err != nil {
			return err
		}
		return printEntry(cmd.OutOrStdout(), entry)
	}

	watchFor, err := str2duration.ParseDuration(flagFor)
	if err != nil {
		return fmt.Errorf("parse --for: %w", err)
	}
	sub := client.Watch(flagOp, params, fetch, qopts...)
	defer sub.Cancel()

	deadline := time.After(watchFor)
	for {
		select {
		case entry, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			if err := printEntry(cmd.OutOrStdout(), entry); err != nil {
				return err
			}
		case <-deadline:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// restFetch builds a FetchFunc doing a GET with the params as query string
// values, classifying failures for the retry policy.
func restFetch(base string) query.FetchFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		u, err := url.Parse(base)
		if err != nil {
			return nil, query.MarkValidation(err)
		}
		q := u.Query()
		for k, v := range params {
			switch val := v.(type) {
			case []string:
				for _, s := range val {
					q.Add(k, s)
				}
			default:
				q.Set(k, fmt.Sprint(val))
			}
		}
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, query.MarkValidation(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, query.MarkNetwork(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, query.MarkNetwork(err)
		}
		switch {
		case resp.StatusCode >= 500:
			return nil, query.MarkServer(fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body))))
		case resp.StatusCode >= 400:
			return nil, query.MarkValidation(fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body))))
		}

		var data any
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, query.MarkDecode(err)
		}
		return data, nil
	}
}

func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed --param %q, want key=value", pair)
		}
		// Repeated keys accumulate into an ordered list.
		if prev, exists := params[k]; exists {
			switch list := prev.(type) {
			case []string:
				params[k] = append(list, v)
			default:
				params[k] = []string{fmt.Sprint(prev), v}
			}
			continue
		}
		params[k] = v
	}
	return params, nil
}

func printEntry(w io.Writer, e query.Entry) error {
	out := map[string]any{
		"key":    e.Key.String(),
		"status": e.Status.String(),
	}
	if !e.FetchedAt.IsZero() {
		out["fetchedAt"] = e.FetchedAt.Format(time.RFC3339)
	}
	if e.Err != nil {
		out["error"] = e.Err.Error()
	}
	if e.Data != nil {
		out["data"] = e.Data
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
