// SPDX-License-Identifier: MIT
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"soundcore/cmd"
	"soundcore/internal/backend"
	"soundcore/internal/engine"
	applog "soundcore/internal/log"
	"soundcore/internal/router"
	"soundcore/internal/transport"
	"soundcore/pkg/build"
)

// main is the entry point for the playback engine.
// The program flow is divided into three distinct phases:
//
// 1. Startup Phase (Cold Path):
//   - Initialize build information
//   - Configure runtime settings
//   - Parse command line arguments and load configuration
//   - Execute one-off commands if requested
//
// 2. Concurrent Phase (Hot Path):
//   - Start the engine and open the output stream
//   - Wire sources, recording, and the spectrum transport
//   - Begin rendering
//
// 3. Shutdown Phase (Cold Path):
//   - Handle termination signals
//   - Flush recording if active
//   - Clean up resources
func main() {
	// ==================== STARTUP PHASE (Cold Path) ====================

	build.Initialize()

	// Limit OS threads to optimize for real-time audio processing:
	// one thread for the audio callback, one for control and I/O.
	runtime.GOMAXPROCS(2)

	opts, err := cmd.ParseArgs()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if opts.Config == nil {
		// Help or version output already handled by the CLI.
		return
	}
	if level, ok := applog.ParseLevel(opts.Config.LogLevel); ok {
		applog.SetLevel(level)
	}

	// One-off commands run without opening a stream.
	if opts.Command == "list" {
		if err := listDevices(opts.Config.Audio.LowLatency); err != nil {
			applog.Fatalf("%v", err)
		}
		return
	}

	// ==================== CONCURRENT PHASE (Hot Path) ====================

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	mgr, err := engine.New(opts.Config)
	if err != nil {
		applog.Fatalf("%v", err)
	}
	if err := mgr.Start(); err != nil {
		applog.Fatalf("%v", err)
	}

	var recorder *router.RecorderDestination
	var fileSrc *router.PCMSource

	if opts.Command == "play" {
		mgr.SetVolume(float32(opts.Volume))

		if opts.PlayFile != "" {
			fileSrc, err = mgr.AddFileSource("file", opts.PlayFile, 1)
			if err != nil {
				applog.Fatalf("%v", err)
			}
			fileSrc.SetLoop(opts.Loop)
			if err := fileSrc.Play(); err != nil {
				applog.Fatalf("%v", err)
			}
		} else {
			if err := mgr.AddToneSource("tone", opts.ToneFreq, 0.5, 1); err != nil {
				applog.Fatalf("%v", err)
			}
			applog.Infof("Playing %.0f Hz test tone", opts.ToneFreq)
		}

		if opts.RecordFile != "" {
			recorder, err = router.NewRecorderDestination("recorder", opts.RecordFile,
				int(opts.Config.Audio.SampleRate), opts.Config.Audio.Channels)
			if err != nil {
				applog.Fatalf("%v", err)
			}
			if err := mgr.Router().AddDestination(recorder); err != nil {
				applog.Fatalf("%v", err)
			}
			srcID := "tone"
			if fileSrc != nil {
				srcID = "file"
			}
			if err := mgr.Router().AddRoute(router.Route{
				SourceID:      srcID,
				DestinationID: "recorder",
				Gain:          1,
				Type:          router.RouteRecord,
			}); err != nil {
				applog.Fatalf("%v", err)
			}
		}
	}

	var spectrumSrv *transport.SpectrumServer
	if opts.Config.Transport.WebSocketEnabled {
		spectrumSrv = transport.NewSpectrumServer(mgr, transport.DefaultFrameInterval)
		if err := spectrumSrv.Start(":" + opts.Config.Transport.WebSocketPort); err != nil {
			applog.Fatalf("%v", err)
		}
	}

	// CRITICAL: Play opens the gate; from here the backend clock drives
	// the render callback.
	if err := mgr.Play(); err != nil {
		applog.Fatalf("%v", err)
	}
	applog.Infof("%s %s running on %s", build.GetBuildFlags().Name,
		build.GetBuildFlags().Version, mgr.BackendName())

	// Block until a termination signal, or until a non-looping file
	// runs out of material.
	if fileSrc != nil && !opts.Loop {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-done:
				break wait
			case <-ticker.C:
				if fileSrc.State() == router.SourceFinished {
					// Let the tail of the last block leave the device.
					time.Sleep(200 * time.Millisecond)
					break wait
				}
			}
		}
	} else {
		<-done
	}

	// ==================== SHUTDOWN PHASE (Cold Path) ====================

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			applog.Errorf("Error finalizing recording: %v", err)
		} else {
			fmt.Printf("\nRecording saved to: %s\n", opts.RecordFile)
		}
	}
	if spectrumSrv != nil {
		if err := spectrumSrv.Close(); err != nil {
			applog.Errorf("Error closing spectrum transport: %v", err)
		}
	}
	if err := mgr.Shutdown(); err != nil {
		applog.Errorf("Error closing audio engine: %v", err)
	}
}

// listDevices prints output devices without starting the engine.
func listDevices(lowLatency bool) error {
	b := backend.NewPortAudioBackend(lowLatency)
	if err := b.Initialize(); err != nil {
		return err
	}
	defer b.Terminate()

	devices, err := b.EnumerateDevices(backend.DirectionOutput)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		marker := " "
		if dev.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %-8s %s (%d ch, up to %.0f Hz)\n",
			marker, dev.ID, dev.Name, dev.MaxOutputChannels, dev.MaxSampleRate)
	}
	return nil
}
