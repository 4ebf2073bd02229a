package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/warrendb/internal/wire"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Connect to a running warrendb server and issue statements interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		netConn, err := net.Dial("tcp", addr)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", addr, err)
		}
		defer netConn.Close()

		conn := wire.NewConn(netConn)
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Printf("connected to %s\n", addr)
		fmt.Print("warrendb> ")
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				fmt.Print("warrendb> ")
				continue
			}
			if line == "quit" || line == "exit" {
				break
			}

			if err := conn.WritePacket(wire.DataPacket(line)); err != nil {
				fmt.Fprintf(os.Stderr, "write error: %v\n", err)
				break
			}
			resp, err := conn.ReadPacket()
			if err != nil {
				fmt.Fprintf(os.Stderr, "read error: %v\n", err)
				break
			}
			if resp.Tag == wire.TagError {
				fmt.Printf("ERROR: %s\n", resp.Payload)
			} else {
				fmt.Println(resp.Payload)
			}
			fmt.Print("warrendb> ")
		}
		return scanner.Err()
	},
}

func init() {
	shellCmd.Flags().String("addr", "127.0.0.1:7781", "Server address")
}
