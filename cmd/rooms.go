package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/meshrelay/internal/registry"
	"github.com/BioHazard786/meshrelay/internal/server"
	"github.com/BioHazard786/meshrelay/internal/ui"
)

var (
	flagFormat   string
	flagWatch    bool
	flagInterval time.Duration
)

var roomsCmd = &cobra.Command{
	Use:     "rooms",
	Aliases: []string{"ls"},
	Short:   "List the rooms of a running relay",
	Long: `List the rooms of a running relay and their members.

Examples:
  meshrelay rooms
  meshrelay rooms --server https://relay.example.com --format markdown
  meshrelay rooms --watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := httpBase(flagServer)
		if err != nil {
			return err
		}
		fetch := roomsFetcher(http.DefaultClient, base)

		if flagWatch {
			return ui.RunWatch(cmd.Context(), base, flagInterval, fetch)
		}

		stop := ui.RunConnectionSpinner("Fetching rooms...")
		rooms, connections, err := fetch(cmd.Context())
		stop()
		if err != nil {
			return err
		}
		return ui.RenderRooms(cmd.OutOrStdout(), rooms, connections, flagFormat)
	},
}

func init() {
	roomsCmd.Flags().StringVarP(&flagFormat, "format", "f", ui.FormatTable, "output format ("+strings.Join(ui.Formats(), ", ")+")")
	roomsCmd.Flags().BoolVarP(&flagWatch, "watch", "w", false, "keep refreshing in an interactive view")
	roomsCmd.Flags().DurationVar(&flagInterval, "interval", 2*time.Second, "refresh interval for --watch")

	rootCmd.AddCommand(roomsCmd)
}

// roomsFetcher returns a ui.Fetcher that reads GET /rooms from base.
func roomsFetcher(client *http.Client, base string) ui.Fetcher {
	return func(ctx context.Context) ([]registry.RoomInfo, int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/rooms", nil)
		if err != nil {
			return nil, 0, err
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch rooms: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, 0, fmt.Errorf("fetch rooms: unexpected status %s", resp.Status)
		}

		var body server.RoomsResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, 0, fmt.Errorf("decode rooms: %w", err)
		}
		return body.Rooms, body.Connections, nil
	}
}
