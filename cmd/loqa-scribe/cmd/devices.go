package cmd

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/audio/device"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := device.ListInputDevices()
		if err != nil {
			printError("list devices", err)
			return err
		}
		if len(devices) == 0 {
			fmt.Println("no input devices found")
			return nil
		}
		for _, d := range devices {
			marker := " "
			if d.IsDefault {
				marker = "*"
			}
			fmt.Printf("%s %2d  %-40s %d ch  %.0f Hz\n", marker, d.Index, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
