// Package main provides a small datamesh query tool: catalog search,
// datasource metadata and ad-hoc queries rendered as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oceanum-io/datamesh-go/pkg/datamesh"
	"github.com/oceanum-io/datamesh-go/pkg/query"
	"github.com/oceanum-io/datamesh-go/pkg/table"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	search     string
	datasource string
	queryJSON  string
}

func parseFlags() options {
	opts := options{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.search, "catalog", "", "Search the catalog")
	flag.StringVar(&opts.datasource, "datasource", "", "Fetch metadata for one datasource")
	flag.StringVar(&opts.queryJSON, "query", "", "Execute a query given as JSON")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func loadConfig(path string) (datamesh.Config, error) {
	if path != "" {
		return datamesh.LoadConfig(path)
	}
	return datamesh.ConfigFromEnv(), nil
}

func run() error {
	opts := parseFlags()
	ctx := setupSignalHandler()

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	conn, err := datamesh.NewConnector(cfg)
	if err != nil {
		return err
	}

	switch {
	case opts.search != "":
		cat, err := conn.Catalog(ctx, datamesh.CatalogFilter{Search: opts.search})
		if err != nil {
			return err
		}
		return render(cat.Datasources)

	case opts.datasource != "":
		ds, err := conn.GetDatasource(ctx, opts.datasource)
		if err != nil {
			return err
		}
		return render(ds)

	case opts.queryJSON != "":
		var q query.Query
		if err := json.Unmarshal([]byte(opts.queryJSON), &q); err != nil {
			return fmt.Errorf("parsing query: %w", err)
		}
		res, err := conn.Query(ctx, &q)
		if err != nil {
			return err
		}
		if res == nil {
			fmt.Fprintln(os.Stderr, "no data matches query")
			return nil
		}
		defer res.Close(ctx)
		return renderResult(ctx, res)
	}

	flag.Usage()
	return nil
}

func render(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderResult(ctx context.Context, res *datamesh.Result) error {
	out := map[string]any{"container": res.Container}
	switch {
	case res.Dataset != nil:
		vars := map[string]any{}
		for _, name := range res.Dataset.VarNames() {
			vals, err := res.Dataset.Values(ctx, name)
			if err != nil {
				return err
			}
			vars[name] = vals
		}
		out["attrs"] = res.Dataset.Attrs
		out["variables"] = vars
	case res.Table != nil:
		cols := map[string]any{}
		for _, c := range res.Table.Columns {
			switch c.Kind {
			case table.KindString:
				cols[c.Name] = c.Strings
			case table.KindInt:
				cols[c.Name] = c.Ints
			case table.KindFloat:
				cols[c.Name] = c.Floats
			case table.KindBool:
				cols[c.Name] = c.Bools
			case table.KindTime:
				cols[c.Name] = c.Times
			}
		}
		out["columns"] = cols
	}
	return render(out)
}
