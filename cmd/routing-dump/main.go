package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/workflow"
)

// routing-dump resolves the routing document against the live workspace and prints the
// resulting (sheet id, action) -> handler table. Unresolvable sheets are logged and left out.
func main() {
	path := flag.String("config", config.RoutingConfigPath(), "Routing document path")
	offline := flag.Bool("offline", false, "Only parse the document; do not resolve sheet ids")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if *offline {
		doc, err := workflow.LoadRoutingDocument(*path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		printJSON(doc)
		return
	}

	client, err := rowstore.NewClientFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	table := workflow.NewRoutingRegistry(*path, client.Sheets()).Table(ctx)
	printJSON(map[string]any{
		"built_at": table.BuiltAt(),
		"settings": table.Settings(),
		"routes":   table.Routes(),
	})
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
