package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openvmsim/pciebridge/adapter"
	"github.com/openvmsim/pciebridge/bar"
	"github.com/openvmsim/pciebridge/monitoring"
	"github.com/openvmsim/pciebridge/recording"
	"github.com/openvmsim/pciebridge/tlp"
)

var (
	demoTracePath   string
	demoMonitorPort int
)

const demoMSIWindow = 0xfee0_0000

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a self-contained bridged device",
	Long: `demo builds a simulated endpoint, attaches it through the bridge, ` +
		`and drives the full transaction path: BAR discovery, posted and ` +
		`non-posted memory traffic, an unsupported request, and an ` +
		`interrupt round trip.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := context.Background()

		dev := adapter.NewSimDevice(
			tlp.NewDeviceID(0x0100), 0x1af4, 0x1000,
			[]adapter.BARProfile{
				{Index: 0, Size: 0x1000, Kind: bar.Mem32},
				{Index: 1, Size: 0x4000, Kind: bar.Mem32,
					Prefetchable: true},
			})
		dev.SetMSIAddress(demoMSIWindow)

		delivered := make(chan uint8, 8)
		ad := adapter.MakeBuilder().
			WithDevice(dev).
			WithOpTimeout(envDuration("PCIEBRIDGE_OP_TIMEOUT",
				50*time.Millisecond)).
			WithMSIDeadline(envDuration("PCIEBRIDGE_MSI_DEADLINE",
				time.Second)).
			WithMSIWindow(demoMSIWindow, 0x1000).
			WithMSISink(func(v uint8) { delivered <- v }).
			Build()

		var rec recording.Recorder
		if demoTracePath != "" {
			rec = recording.New(demoTracePath)
			tracer := recording.NewTracer(rec)
			ad.Table().AcceptHook(tracer)
			ad.Arbiter().AcceptHook(tracer)
		}

		ad.Start()
		defer ad.Stop()

		if demoMonitorPort > 0 {
			m := monitoring.NewMonitor()
			m.RegisterAdapter(ad)
			m.WithPortNumber(demoMonitorPort)
			if _, err := m.StartServer(); err != nil {
				return err
			}
		}

		alloc := adapter.NewWindowAllocator(0xc000_0000, 0x1000_0000)
		attached, err := ad.Attach(ctx, alloc)
		if err != nil {
			return err
		}
		for _, d := range attached {
			cmd.Printf("BAR%d: %v\n", d.Index, d)
		}

		if err := runDemoTraffic(cmd, ctx, ad, attached, delivered); err != nil {
			return err
		}

		if rec != nil {
			rec.Flush()
			cmd.Printf("trace tables: %v\n", rec.ListTables())
		}
		return nil
	},
}

func runDemoTraffic(
	cmd *cobra.Command,
	ctx context.Context,
	ad *adapter.Adapter,
	attached []bar.Descriptor,
	delivered <-chan uint8,
) error {
	guest := tlp.NewDeviceID(0x0008)

	wr, err := tlp.MemWrBuilder{}.
		WithRequester(guest).
		WithAddress(attached[0].Base + 0x10).
		WithData([]byte{0xde, 0xad, 0xbe, 0xef}).
		Build()
	if err != nil {
		return err
	}
	if _, err := ad.Submit(wr.ToBytes()); err != nil {
		return err
	}

	rd, err := tlp.MemRdBuilder{}.
		WithRequester(guest).
		WithTag(1).
		WithAddress(attached[0].Base + 0x10).
		WithByteLen(4).
		Build()
	if err != nil {
		return err
	}
	h, err := ad.Submit(rd.ToBytes())
	if err != nil {
		return err
	}
	cpl, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	cmd.Printf("read back: %x\n", cpl.Data)

	bad, err := tlp.MemRdBuilder{}.
		WithRequester(guest).
		WithTag(2).
		WithAddress(0x5000_0000).
		WithByteLen(4).
		Build()
	if err != nil {
		return err
	}
	h, err = ad.Submit(bad.ToBytes())
	if err != nil {
		return err
	}
	if cpl, _ = h.Result(); cpl != nil {
		cmd.Printf("unclaimed read: %v\n", cpl.Status)
	}

	return raiseAndAck(cmd, ad, delivered)
}

func raiseAndAck(
	cmd *cobra.Command, ad *adapter.Adapter, delivered <-chan uint8,
) error {
	if _, err := ad.AssertMSI(0x21); err != nil {
		return err
	}

	select {
	case v := <-delivered:
		cmd.Printf("interrupt vector %#x delivered\n", v)
		return ad.AckMSI(v)
	case <-time.After(time.Second):
		return fmt.Errorf("interrupt was never delivered")
	}
}

func init() {
	demoCmd.Flags().StringVar(&demoTracePath, "trace", "",
		"record a transaction trace to this SQLite database")
	demoCmd.Flags().IntVar(&demoMonitorPort, "monitor-port", 0,
		"serve monitoring endpoints on this port")
	rootCmd.AddCommand(demoCmd)
}
