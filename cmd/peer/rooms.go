package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dkeye/meshroom/internal/bus"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List live rooms on a bus server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		base, _ := cmd.Flags().GetString("server")
		rooms, err := fetchRooms(cmd, strings.TrimRight(base, "/"))
		if err != nil {
			return err
		}
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Room", "Members"})
		for _, r := range rooms {
			t.AppendRow(table.Row{r.Name, r.MemberCount})
		}
		t.AppendFooter(table.Row{"Total", len(rooms)})
		t.SetStyle(table.StyleRounded)
		t.Render()
		return nil
	},
}

func init() {
	roomsCmd.Flags().String("server", "http://localhost:8080", "bus server base url")
}

func fetchRooms(cmd *cobra.Command, base string) ([]bus.RoomInfo, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/api/rooms", nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list rooms: %s", resp.Status)
	}
	var body struct {
		Rooms []bus.RoomInfo `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	return body.Rooms, nil
}
