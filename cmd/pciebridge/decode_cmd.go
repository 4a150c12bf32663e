package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openvmsim/pciebridge/tlp"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode one raw transaction-layer packet",
	Long: `decode parses a hex-encoded transaction-layer packet, checks it ` +
		`against the framing and protocol rules, and prints its fields.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := hex.DecodeString(
			strings.ReplaceAll(args[0], " ", ""))
		if err != nil {
			return fmt.Errorf("not a hex string: %w", err)
		}

		p, err := tlp.Decode(raw)
		if err != nil {
			return err
		}

		printPacket(cmd, p)

		if err := tlp.Validate(p); err != nil {
			cmd.Printf("protocol violation: %v\n", err)
		}
		return nil
	},
}

func printPacket(cmd *cobra.Command, p tlp.Packet) {
	h := p.Common()
	cmd.Printf("type:   %#02x (%v, %d header DWs)\n",
		uint8(h.Type), p.Class(), h.Type.HeaderLen()/tlp.DWLen)

	switch v := p.(type) {
	case *tlp.MemRd:
		cmd.Printf("read:   %v tag %d, %#x + %d DW, BE %04b/%04b\n",
			v.Requester, v.Tag, v.Address, v.PayloadDW(),
			v.LastBE, v.FirstBE)
	case *tlp.MemWr:
		cmd.Printf("write:  %v, %#x, BE %04b/%04b\n",
			v.Requester, v.Address, v.LastBE, v.FirstBE)
		cmd.Printf("data:   %x\n", v.Data)
	case *tlp.IORd:
		cmd.Printf("io rd:  %v tag %d, %#x\n", v.Requester, v.Tag, v.Address)
	case *tlp.IOWrt:
		cmd.Printf("io wr:  %v, %#x, data %x\n",
			v.Requester, v.Address, v.Data)
	case *tlp.CfgRd:
		cmd.Printf("cfg rd: %v tag %d, target %v, register %#x\n",
			v.Requester, v.Tag, v.Target, v.RegisterOffset())
	case *tlp.CfgWr:
		cmd.Printf("cfg wr: %v tag %d, target %v, register %#x, data %x\n",
			v.Requester, v.Tag, v.Target, v.RegisterOffset(), v.Data)
	case *tlp.Cpl:
		cmd.Printf("cpl:    %v -> %v tag %d, %v, %d bytes left\n",
			v.Completer, v.Requester, v.Tag, v.Status, v.ByteCount)
		if len(v.Data) > 0 {
			cmd.Printf("data:   %x\n", v.Data)
		}
	case *tlp.Msg:
		cmd.Printf("msg:    %v tag %d, code %#x, routing %d\n",
			v.Requester, v.Tag, v.Code, v.Routing())
	}
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}
