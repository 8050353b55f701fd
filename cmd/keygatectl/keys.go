package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/keygate/internal/admin"
	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/pricing"
)

func newKeysCmd(sess func() *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Issue and manage API keys",
	}
	cmd.AddCommand(
		newKeysCreateCmd(sess),
		newKeysStatusCmd(sess),
		newKeysLimitCmd(sess),
		newKeysDeleteCmd(sess),
	)
	return cmd
}

func newKeysCreateCmd(sess func() *session) *cobra.Command {
	var (
		nk         admin.NewKey
		family     string
		dailyLimit string
		expires    string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a key and print its credential once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if family != "" {
				f, err := channel.ParseFamily(family)
				if err != nil {
					return err
				}
				nk.Family = f
			}
			if dailyLimit != "" {
				n, err := pricing.ParseDollars(dailyLimit)
				if err != nil {
					return err
				}
				nk.DailyLimit = &n
			}
			if expires != "" {
				t, err := parseExpiry(expires)
				if err != nil {
					return err
				}
				nk.ExpiresAt = &t
			}

			k, secret, err := sess().admin.CreateKey(cmd.Context(), nk)
			if err != nil {
				return err
			}
			return printJSON(cmd, struct {
				keys.Key
				Credential string `json:"credential"`
			}{k, secret})
		},
	}
	f := cmd.Flags()
	f.StringVar(&nk.ID, "id", "", "key ID (default: random UUID)")
	f.StringVar(&nk.UserID, "user", "", "owning user ID")
	f.StringVar(&nk.Name, "name", "", "display name")
	f.StringVar(&nk.ChannelID, "channel", "", "bind the key to this channel")
	f.StringVar(&family, "family", "", "provider family for unbound keys (openai, anthropic, gemini)")
	f.StringVar(&dailyLimit, "daily-limit", "", "daily cost limit in USD, e.g. 5.00 (default: unlimited)")
	f.IntVar(&nk.RPMLimit, "rpm", 0, "requests per minute (0: unlimited)")
	f.StringVar(&expires, "expires", "", "expiry as RFC 3339 time or a duration from now, e.g. 720h")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newKeysStatusCmd(sess func() *session) *cobra.Command {
	return &cobra.Command{
		Use:   "status <key-id> <active|revoked|expired>",
		Short: "Change a key's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := keys.ParseStatus(args[1])
			if err != nil {
				return err
			}
			k, err := sess().admin.SetKeyStatus(cmd.Context(), args[0], st)
			if err != nil {
				return err
			}
			return printJSON(cmd, k)
		},
	}
}

func newKeysLimitCmd(sess func() *session) *cobra.Command {
	var (
		daily string
		rpm   int
	)
	cmd := &cobra.Command{
		Use:   "limit <key-id>",
		Short: "Change a key's daily cost limit or RPM limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var l admin.Limits
			if cmd.Flags().Changed("daily") {
				if strings.EqualFold(daily, "none") {
					l.ClearDaily = true
				} else {
					n, err := pricing.ParseDollars(daily)
					if err != nil {
						return err
					}
					l.Daily = &n
				}
			}
			if cmd.Flags().Changed("rpm") {
				l.RPM = &rpm
			}
			if !l.ClearDaily && l.Daily == nil && l.RPM == nil {
				return fmt.Errorf("nothing to change; pass --daily or --rpm")
			}

			k, err := sess().admin.SetKeyLimits(cmd.Context(), args[0], l)
			if err != nil {
				return err
			}
			return printJSON(cmd, k)
		},
	}
	cmd.Flags().StringVar(&daily, "daily", "", `daily cost limit in USD, or "none" to remove it`)
	cmd.Flags().IntVar(&rpm, "rpm", 0, "requests per minute (0: unlimited)")
	return cmd
}

func newKeysDeleteCmd(sess func() *session) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Soft-delete a key; its usage history is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sess().admin.DeleteKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key %s deleted\n", args[0])
			return nil
		},
	}
}

// parseExpiry accepts an RFC 3339 timestamp or a duration from now.
func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid --expires %q: want an RFC 3339 time or a positive duration", s)
	}
	return time.Now().Add(d).UTC(), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
