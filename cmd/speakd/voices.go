package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/speakd/internal/voice"
	"github.com/MrWong99/speakd/pkg/provider/tts/elevenlabs"
)

var listRemote bool

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the voice roster, or the provider catalogue with --remote",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()

		if !listRemote {
			roster, err := voice.LoadRoster(cfg.Voices.File)
			if err != nil {
				return err
			}
			if roster.Len() == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "no voices in %s\n", cfg.Voices.File)
				return nil
			}
			fmt.Fprintln(w, "NAME\tID\tSTYLE")
			for _, v := range roster.Voices() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", v.Name, v.ID, v.Style)
			}
			return nil
		}

		if cfg.Provider.APIKey == "" {
			return errors.New("ELEVENLABS_API_KEY not set")
		}
		p, err := elevenlabs.New(cfg.Provider.APIKey, elevenlabs.WithBaseURL(cfg.Provider.BaseURL))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		profiles, err := p.ListVoices(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "NAME\tID\tCATEGORY")
		for _, v := range profiles {
			fmt.Fprintf(w, "%s\t%s\t%s\n", v.Name, v.ID, v.Metadata["category"])
		}
		return nil
	},
}

func init() {
	voicesCmd.Flags().BoolVar(&listRemote, "remote", false, "list the voices available to the ElevenLabs account")
}
