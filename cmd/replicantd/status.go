package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/rlogreplicant/internal/api"
	"github.com/jfoltran/rlogreplicant/internal/status"
)

var statusAPIAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-shard replication state",
	Long:  `Status reports each shard's replication state, serving agent, last imported seqno, and spill-queue depth.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusAPIAddr
		if addr == "" {
			addr = api.Addr(cfg.API.Listen, cfg.API.Port)
		}
		snap, err := fetchStatus(addr)
		if err != nil {
			return fmt.Errorf("fetch status from %s: %w", addr, err)
		}

		if len(snap.Shards) == 0 {
			fmt.Println("No shards reported.")
			return nil
		}

		fmt.Printf("%-16s %-12s %-16s %10s %8s\n", "SHARD", "STATE", "AGENT", "LAST_SEQNO", "SPILL")
		for _, s := range snap.Shards {
			agent := s.Agent
			if agent == "" {
				agent = "-"
			}
			fmt.Printf("%-16s %-12s %-16s %10s %8d\n", s.Shard, s.State, agent, s.LastSeqNo.String(), s.SpillLen)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAPIAddr, "api-addr", "", "address of a running replicantd's status API (default: from config)")
	rootCmd.AddCommand(statusCmd)
}

func fetchStatus(addr string) (*status.Snapshot, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var snap status.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
