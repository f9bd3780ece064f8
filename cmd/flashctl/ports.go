package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonieflash/flash-console/internal/device"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := device.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found")
			return nil
		}
		for _, p := range ports {
			if p.IsUSB {
				fmt.Printf("%-20s USB %s:%s %s %s\n", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
				continue
			}
			fmt.Println(p.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
