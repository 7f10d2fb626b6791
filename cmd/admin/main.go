// Command admin inspects and operates a running worldplane server over its
// HTTP API. The db and journal subcommands read the data directory directly
// and work offline.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"

	"worldplane.dev/internal/persistence/channeldb"
	"worldplane.dev/internal/persistence/journal"
	"worldplane.dev/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "channels":
			channelsCmd(os.Args[2:])
			return
		case "channel":
			channelCmd(os.Args[2:])
			return
		case "release":
			releaseCmd(os.Args[2:])
			return
		case "transfer":
			transferCmd(os.Args[2:])
			return
		case "object":
			objectCmd(os.Args[2:])
			return
		case "stats":
			statsCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin {channels|channel|release|transfer|object|stats|snapshot|db|journal} [flags]")
	os.Exit(2)
}

func get(server, path string) []byte {
	resp, err := http.Get(server + path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "server returned %d: %s\n", resp.StatusCode, raw)
		os.Exit(1)
	}
	return raw
}

func post(server, path string, body any) []byte {
	raw, _ := json.Marshal(body)
	resp, err := http.Post(server+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "server returned %d: %s\n", resp.StatusCode, out)
		os.Exit(1)
	}
	return out
}

func printJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		os.Stdout.Write(raw)
		return
	}
	buf.WriteByte('\n')
	_, _ = buf.WriteTo(os.Stdout)
}

func channelsCmd(args []string) {
	fs := flag.NewFlagSet("channels", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:8080", "server base url")
	region := fs.String("region", "", "filter by region id")
	_ = fs.Parse(args)

	path := "/v1/channels"
	if *region != "" {
		path += "?region=" + *region
	}
	printJSON(get(*server, path))
}

func channelCmd(args []string) {
	fs := flag.NewFlagSet("channel", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:8080", "server base url")
	channel := fs.String("channel", "", "channel id (region:kind)")
	_ = fs.Parse(args)

	if *channel == "" {
		fmt.Fprintln(os.Stderr, "missing -channel")
		os.Exit(2)
	}
	raw := get(*server, "/v1/channels")
	var list struct {
		Channels []json.RawMessage `json:"channels"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	for _, entry := range list.Channels {
		var info struct {
			ChannelID string `json:"channel_id"`
		}
		if json.Unmarshal(entry, &info) == nil && info.ChannelID == *channel {
			printJSON(entry)
			return
		}
	}
	fmt.Fprintln(os.Stderr, "no such channel", *channel)
	os.Exit(1)
}

func releaseCmd(args []string) {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:8080", "server base url")
	channel := fs.String("channel", "", "channel id (region:kind)")
	token := fs.String("token", "", "lease token")
	_ = fs.Parse(args)

	if *channel == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "missing -channel or -token")
		os.Exit(2)
	}
	printJSON(post(*server, "/v1/channels/"+*channel+"/release", map[string]string{"token": *token}))
}

func transferCmd(args []string) {
	fs := flag.NewFlagSet("transfer", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:8080", "server base url")
	channel := fs.String("channel", "", "channel id (region:kind)")
	requester := fs.String("requester", "", "requester id to queue")
	_ = fs.Parse(args)

	if *channel == "" || *requester == "" {
		fmt.Fprintln(os.Stderr, "missing -channel or -requester")
		os.Exit(2)
	}
	printJSON(post(*server, "/v1/channels/"+*channel+"/transfer", map[string]string{"requester_id": *requester}))
}

func objectCmd(args []string) {
	fs := flag.NewFlagSet("object", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:8080", "server base url")
	region := fs.String("region", "", "region id")
	id := fs.String("id", "", "object id")
	_ = fs.Parse(args)

	if *region == "" || *id == "" {
		fmt.Fprintln(os.Stderr, "missing -region or -id")
		os.Exit(2)
	}
	printJSON(get(*server, "/v1/objects?region="+*region+"&id="+*id))
}

func statsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	printJSON(get(*server, "/v1/stats"))
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:8080", "server base url")
	region := fs.String("region", "", "region id to export")
	inspect := fs.String("inspect", "", "print the header of a snapshot file instead of exporting")
	_ = fs.Parse(args)

	if *inspect != "" {
		hdr, err := snapshot.ReadHeader(*inspect)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read header:", err)
			os.Exit(1)
		}
		fmt.Printf("region=%s epoch=%d saved_at=%s version=%d\n", hdr.RegionID, hdr.Epoch, hdr.SavedAt, hdr.Version)
		return
	}
	if *region == "" {
		fmt.Fprintln(os.Stderr, "missing -region")
		os.Exit(2)
	}
	printJSON(post(*server, "/v1/admin/snapshot", map[string]string{"region_id": *region}))
}

// dbCmd reads the catalog database without going through the server. Safe
// against a running server: the database runs in WAL mode.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	path := fs.String("path", "./data/catalog.db", "catalog database path")
	_ = fs.Parse(args)

	db, err := channeldb.Open(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	rows, err := db.LoadChannels()
	if err != nil {
		fmt.Fprintln(os.Stderr, "channels:", err)
		os.Exit(1)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ChannelID < rows[j].ChannelID })
	for _, row := range rows {
		fmt.Printf("%s policy=%s created=%s\n", row.ChannelID, row.Policy, row.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	epochs, err := db.LoadEpochs()
	if err != nil {
		fmt.Fprintln(os.Stderr, "epochs:", err)
		os.Exit(1)
	}
	regions := make([]string, 0, len(epochs))
	for r := range epochs {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	for _, r := range regions {
		fmt.Printf("region %s epoch=%d\n", r, epochs[r])
	}
	warnings, err := db.WarningCount()
	if err == nil {
		fmt.Printf("warnings=%d\n", warnings)
	}
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	path := fs.String("path", "", "journal segment (.jsonl.zst) to dump")
	_ = fs.Parse(args)

	if *path == "" {
		fmt.Fprintln(os.Stderr, "missing -path")
		os.Exit(2)
	}
	events, err := journal.ReadEvents(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, ev := range events {
		fmt.Printf("%s %s %s %s %s v%d epoch=%d source=%s\n", ev.At, ev.RegionID, ev.Kind, ev.Action, ev.ObjectID, ev.Version, ev.Epoch, ev.Source)
	}
}
