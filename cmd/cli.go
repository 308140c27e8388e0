// SPDX-License-Identifier: MIT
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"soundcore/internal/config"
	"soundcore/pkg/build"
)

const shortDescription = "real-time audio playback engine with routing, EQ, and spectrum analysis"

// Options is the parsed command line: the resolved engine
// configuration plus the one-off command selection.
type Options struct {
	Config *config.Config

	// Command selects a one-off mode: "list" prints devices and
	// exits, "play" runs the engine over a file or test tone. Empty
	// runs the engine idle, waiting for transport clients.
	Command string

	PlayFile   string
	ToneFreq   float64
	Loop       bool
	RecordFile string
	Volume     float64
}

// ParseArgs builds the configuration from defaults, the optional
// config file, environment overrides, and finally command-line flags.
func ParseArgs() (*Options, error) {
	buildInfo := build.GetBuildFlags()

	opts := &Options{ToneFreq: 440, Volume: 1}
	var configPath string

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         shortDescription,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			opts.Config = cfg
			applyFlagOverrides(cmd, cfg)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available audio output devices",
		Run: func(cmd *cobra.Command, args []string) {
			opts.Command = "list"
		},
	}
	rootCmd.AddCommand(listCmd)

	playCmd := &cobra.Command{
		Use:   "play [file]",
		Short: "Play an audio file (wav, mp3, ogg), or a test tone with no arguments",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			opts.Command = "play"
			if len(args) == 1 {
				opts.PlayFile = args[0]
			}
		},
	}
	playCmd.Flags().Float64VarP(&opts.ToneFreq, "tone", "t", 440,
		"Test tone frequency in Hz when no file is given")
	playCmd.Flags().BoolVar(&opts.Loop, "loop", false,
		"Loop the file instead of exiting at the end")
	playCmd.Flags().StringVarP(&opts.RecordFile, "record", "r", "",
		"Also record the routed output to a WAV file")
	playCmd.Flags().Float64Var(&opts.Volume, "volume", 1,
		"Master volume [0, 1]")
	rootCmd.AddCommand(playCmd)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a YAML config file (default: ./config.yaml if present)")
	rootCmd.PersistentFlags().StringP("device", "d", config.DefaultDeviceID,
		"Output device ID. Use 'list' to see available devices.")
	rootCmd.PersistentFlags().IntP("channels", "c", config.DefaultChannels,
		"Number of output channels (1=mono, 2=stereo)")
	rootCmd.PersistentFlags().Float64P("sample-rate", "s", config.DefaultSampleRate,
		"Sample rate, measured in Hertz (Hz)")
	rootCmd.PersistentFlags().IntP("frames-per-buffer", "b", config.DefaultFramesPerBuffer,
		"The number of frames per buffer (affects latency)")
	rootCmd.PersistentFlags().BoolP("low-latency", "l", false,
		"Use low latency mode for real-time processing")
	rootCmd.PersistentFlags().Bool("ws", false,
		"Serve spectrum frames over WebSocket")
	rootCmd.PersistentFlags().String("ws-port", "8080",
		"WebSocket listen port")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false,
		"Show verbose output")

	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}
	return opts, nil
}

// applyFlagOverrides copies explicitly-set flags over whatever the file
// and environment produced. Unset flags leave the config untouched.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.Audio.OutputDevice, _ = flags.GetString("device")
	}
	if flags.Changed("channels") {
		cfg.Audio.Channels, _ = flags.GetInt("channels")
	}
	if flags.Changed("sample-rate") {
		cfg.Audio.SampleRate, _ = flags.GetFloat64("sample-rate")
	}
	if flags.Changed("frames-per-buffer") {
		cfg.Audio.FramesPerBuffer, _ = flags.GetInt("frames-per-buffer")
	}
	if flags.Changed("low-latency") {
		cfg.Audio.LowLatency, _ = flags.GetBool("low-latency")
	}
	if flags.Changed("ws") {
		cfg.Transport.WebSocketEnabled, _ = flags.GetBool("ws")
	}
	if flags.Changed("ws-port") {
		cfg.Transport.WebSocketPort, _ = flags.GetString("ws-port")
	}
	if flags.Changed("verbose") {
		if v, _ := flags.GetBool("verbose"); v {
			cfg.Debug = true
			cfg.LogLevel = "debug"
		}
	}
}
