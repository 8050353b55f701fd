package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/keygate/internal/admin"
	"github.com/nulpointcorp/keygate/internal/channel"
)

func newChannelsCmd(sess func() *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage upstream channels",
	}
	cmd.AddCommand(
		newChannelsAddCmd(sess),
		newChannelsSetCmd(sess),
		newChannelsRetireCmd(sess),
		newChannelsListCmd(sess),
	)
	return cmd
}

// credentialFlags lets the upstream secret come from an env var so it stays
// out of shell history.
type credentialFlags struct {
	value  string
	envVar string
}

func (c *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.value, "credential", "", "upstream API credential")
	cmd.Flags().StringVar(&c.envVar, "credential-env", "", "read the upstream credential from this environment variable")
	cmd.MarkFlagsMutuallyExclusive("credential", "credential-env")
}

// resolve returns the credential and whether one was given.
func (c *credentialFlags) resolve() (string, bool, error) {
	switch {
	case c.envVar != "":
		v := os.Getenv(c.envVar)
		if v == "" {
			return "", false, fmt.Errorf("environment variable %s is empty", c.envVar)
		}
		return v, true, nil
	case c.value != "":
		return c.value, true, nil
	default:
		return "", false, nil
	}
}

func newChannelsAddCmd(sess func() *session) *cobra.Command {
	var (
		c        channel.Channel
		family   string
		inactive bool
		cred     credentialFlags
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := channel.ParseFamily(family)
			if err != nil {
				return err
			}
			c.Family = f
			c.Active = !inactive
			if c.Credential, _, err = cred.resolve(); err != nil {
				return err
			}
			if err := sess().admin.AddChannel(cmd.Context(), c); err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
	f := cmd.Flags()
	f.StringVar(&c.ID, "id", "", "channel ID")
	f.StringVar(&family, "family", "", "provider family (openai, anthropic, gemini)")
	f.StringVar(&c.Name, "name", "", "display name")
	f.StringVar(&c.BaseURL, "base-url", "", "override the provider's API base URL")
	f.BoolVar(&inactive, "inactive", false, "register the channel without serving traffic")
	cred.register(cmd)
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("family")
	return cmd
}

func newChannelsSetCmd(sess func() *session) *cobra.Command {
	var (
		name, baseURL string
		active        bool
		cred          credentialFlags
	)
	cmd := &cobra.Command{
		Use:   "set <channel-id>",
		Short: "Update a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u admin.ChannelUpdate
			fl := cmd.Flags()
			if fl.Changed("name") {
				u.Name = &name
			}
			if fl.Changed("base-url") {
				u.BaseURL = &baseURL
			}
			if fl.Changed("active") {
				u.Active = &active
			}
			secret, ok, err := cred.resolve()
			if err != nil {
				return err
			}
			if ok {
				u.Credential = &secret
			}
			if u == (admin.ChannelUpdate{}) {
				return fmt.Errorf("nothing to change")
			}

			c, err := sess().admin.UpdateChannel(cmd.Context(), args[0], u)
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&baseURL, "base-url", "", `API base URL ("" restores the provider default)`)
	cmd.Flags().BoolVar(&active, "active", true, "serve traffic through this channel")
	cred.register(cmd)
	return cmd
}

func newChannelsRetireCmd(sess func() *session) *cobra.Command {
	return &cobra.Command{
		Use:   "retire <channel-id>",
		Short: "Retire a channel; keys bound to it stop being admitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sess().admin.RetireChannel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %s retired\n", args[0])
			return nil
		},
	}
}

func newChannelsListCmd(sess func() *session) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			chans, err := sess().admin.ListChannels(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFAMILY\tNAME\tSTATE\tBASE URL")
			for _, c := range chans {
				state := "active"
				switch {
				case c.Deleted:
					state = "retired"
				case !c.Active:
					state = "inactive"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Family, c.Name, state, c.BaseURL)
			}
			return tw.Flush()
		},
	}
}
