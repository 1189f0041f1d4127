// Command celerix-copilot is a small CLI for the copilot daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
	"github.com/celerix-dev/celerix-copilot/pkg/sdk"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}
	log.SetFlags(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := sdk.New(ctx, os.Getenv("COPILOT_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to start copilot client: %v", err)
	}
	defer client.Close()

	command := strings.ToUpper(os.Args[1])
	args := os.Args[2:]

	switch command {
	case "QUERY":
		if len(args) < 1 {
			log.Fatal("Usage: celerix-copilot QUERY <text...>")
		}
		req := schema.QueryRequest{Query: strings.Join(args, " ")}
		if tid := os.Getenv("COPILOT_THREAD_ID"); tid != "" {
			req.ThreadID = &tid
		}
		res, err := client.Query(ctx, req)
		check(err)
		printJSON(res)

	case "THREAD":
		id, err := client.CreateThread(ctx, nil)
		check(err)
		printJSON(schema.ThreadResponse{ThreadID: id})

	case "ADD_SOURCE":
		if len(args) < 1 {
			log.Fatal("Usage: celerix-copilot ADD_SOURCE <url> [title] [priority]")
		}
		in := schema.SourceInput{URL: args[0]}
		if len(args) > 1 {
			in.Title = &args[1]
		}
		if len(args) > 2 {
			p, err := strconv.Atoi(args[2])
			if err != nil {
				log.Fatalf("priority must be an integer: %v", err)
			}
			in.Priority = &p
		}
		src, err := client.CreateSource(ctx, in)
		check(err)
		printJSON(src)

	case "LIST_SOURCES":
		list, err := client.ListSources(ctx, limitArg(args))
		check(err)
		printJSON(list)

	case "GET_SOURCE":
		if len(args) < 1 {
			log.Fatal("Usage: celerix-copilot GET_SOURCE <id>")
		}
		src, err := client.GetSource(ctx, args[0])
		check(err)
		printJSON(src)

	case "SET_SOURCE":
		if len(args) < 2 {
			log.Fatal(`Usage: celerix-copilot SET_SOURCE <id> '{"priority":1}'`)
		}
		var patch schema.SourcePatch
		dec := json.NewDecoder(strings.NewReader(args[1]))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&patch); err != nil {
			log.Fatalf("invalid patch: %v", err)
		}
		src, err := client.UpdateSource(ctx, args[0], patch)
		check(err)
		printJSON(src)

	case "DEL_SOURCE":
		if len(args) < 1 {
			log.Fatal("Usage: celerix-copilot DEL_SOURCE <id>")
		}
		check(client.DeleteSource(ctx, args[0]))
		fmt.Println("OK")

	case "EVENTS":
		list, err := client.ListEvents(ctx, limitArg(args))
		check(err)
		printJSON(list)

	case "GET_EVENT":
		if len(args) < 1 {
			log.Fatal("Usage: celerix-copilot GET_EVENT <id>")
		}
		ev, err := client.GetEvent(ctx, args[0])
		check(err)
		printJSON(ev)

	case "DEL_EVENT":
		if len(args) < 1 {
			log.Fatal("Usage: celerix-copilot DEL_EVENT <id>")
		}
		check(client.DeleteEvent(ctx, args[0]))
		fmt.Println("OK")

	case "CLEAR_EVENTS":
		n, err := client.ClearEvents(ctx)
		check(err)
		fmt.Printf("OK %d\n", n)

	case "TELEMETRY":
		if len(args) < 1 {
			log.Fatal(`Usage: celerix-copilot TELEMETRY '{"event":"page_view"}'`)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
			// Not an object: treat the argument as the event name.
			payload = map[string]any{"event": args[0]}
		}
		check(client.Telemetry(ctx, payload))
		fmt.Println("OK")

	case "HEALTH":
		check(client.Health(ctx))
		status, err := client.StorageStatus(ctx)
		check(err)
		printJSON(status)

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func check(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func limitArg(args []string) int {
	if len(args) == 0 {
		return 0
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		log.Fatalf("limit must be a non-negative integer, got %q", args[0])
	}
	return n
}

func printUsage() {
	fmt.Println("Celerix Copilot CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  celerix-copilot QUERY <text...>")
	fmt.Println("  celerix-copilot THREAD")
	fmt.Println("  celerix-copilot ADD_SOURCE <url> [title] [priority]")
	fmt.Println("  celerix-copilot LIST_SOURCES [limit]")
	fmt.Println("  celerix-copilot GET_SOURCE <id>")
	fmt.Println("  celerix-copilot SET_SOURCE <id> <json patch>")
	fmt.Println("  celerix-copilot DEL_SOURCE <id>")
	fmt.Println("  celerix-copilot EVENTS [limit]")
	fmt.Println("  celerix-copilot GET_EVENT <id>")
	fmt.Println("  celerix-copilot DEL_EVENT <id>")
	fmt.Println("  celerix-copilot CLEAR_EVENTS")
	fmt.Println("  celerix-copilot TELEMETRY <json object | event name>")
	fmt.Println("  celerix-copilot HEALTH")
	fmt.Println("\nEnvironment Variables:")
	fmt.Println("  COPILOT_ADDR          Daemon address; unset or unreachable runs an embedded copilot")
	fmt.Println("  COPILOT_ADMIN_KEY     Sent as x-api-key on admin commands")
	fmt.Println("  COPILOT_INSECURE_TLS  Set to true to accept a self-signed daemon certificate")
	fmt.Println("  COPILOT_CONFIG        Config file for embedded mode")
	fmt.Println("  COPILOT_THREAD_ID     Thread to continue with QUERY")
}

func printJSON(v any) {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(bytes))
}
