package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/kbuilder/internal/models"
	"github.com/tOgg1/kbuilder/internal/store"
)

func newEventsCmd(a *app) *cobra.Command {
	var (
		eventType string
		entityID  string
		since     time.Duration
		limit     int
		cursor    string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show session and task events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.database()
			if err != nil {
				return err
			}

			query := store.EventQuery{Limit: limit, Cursor: cursor}
			if eventType != "" {
				t := models.EventType(eventType)
				if !t.IsValid() {
					return fmt.Errorf("unknown event type %q", eventType)
				}
				query.Type = &t
			}
			if entityID != "" {
				query.EntityID = &entityID
			}
			if since > 0 {
				from := time.Now().Add(-since)
				query.Since = &from
			}

			page, err := store.NewEventRepository(db).Query(cmd.Context(), query)
			if err != nil {
				return err
			}

			if a.jsonOutput {
				if page.Events == nil {
					page.Events = []*models.Event{}
				}
				return writeJSON(cmd.OutOrStdout(), page)
			}
			if len(page.Events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events found")
				return nil
			}

			rows := make([][]string, 0, len(page.Events))
			for _, event := range page.Events {
				rows = append(rows, []string{
					event.Timestamp.Local().Format("2006-01-02 15:04:05"),
					string(event.Type),
					string(event.EntityType),
					event.EntityID,
					string(event.Payload),
				})
			}
			if err := writeTable(cmd.OutOrStdout(), []string{"TIME", "TYPE", "ENTITY", "ID", "PAYLOAD"}, rows); err != nil {
				return err
			}
			if page.NextCursor != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nMore events: kbuilder events --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type (e.g. session.connected)")
	cmd.Flags().StringVar(&entityID, "entity", "", "filter by pool key or task ID")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to show")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this event ID")

	cmd.AddCommand(newEventsPruneCmd(a))
	return cmd
}

func newEventsPruneCmd(a *app) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			db, err := a.database()
			if err != nil {
				return err
			}

			repo := store.NewEventRepository(db)
			cutoff := time.Now().Add(-olderThan)
			var total int64
			for {
				deleted, err := repo.DeleteOlderThan(cmd.Context(), cutoff, 1000)
				if err != nil {
					return err
				}
				total += deleted
				if deleted < 1000 {
					break
				}
			}

			remaining, err := repo.Count(cmd.Context())
			if err != nil {
				return err
			}

			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"deleted": total, "remaining": remaining})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d event(s), %d remaining\n", total, remaining)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete events older than this")
	return cmd
}
