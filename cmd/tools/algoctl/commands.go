package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fisaks/algodomo/internal/program"
	"github.com/fisaks/algodomo/internal/protocol"
	"github.com/fisaks/algodomo/internal/util"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

var (
	address   string
	opcode    string
	fields    []string
	payload   string
	noAck     bool
	newAddr   string
	usbOnly   bool
	progLimit int
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll one board and print its status block",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := util.ToAddress(address)
		if err != nil {
			return err
		}
		bus, stop, err := openBus(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		req, err := bus.Dialect().Encode(addr, protocol.OpPoll)
		if err != nil {
			return err
		}
		reply, err := bus.Transact(cmd.Context(), req, 0)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"address": addr,
			"reply":   reply.Hex(),
			"status":  protocol.DecodePoll(reply),
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one frame built from an opcode and named fields or raw payload",
	Example: `  algoctl -p /dev/ttyUSB0 send --address 3 --opcode 0x51 --field action=0x41
  algoctl -p /dev/ttyUSB0 send --address 3 --opcode 0x5C --payload "01 55"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := util.ToAddress(address)
		if err != nil {
			return err
		}
		op, err := util.ToByte(opcode)
		if err != nil {
			return fmt.Errorf("opcode: %w", err)
		}
		bus, stop, err := openBus(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		req, err := buildFrame(bus.Dialect(), addr, op)
		if err != nil {
			return err
		}
		out := map[string]any{"request": req.Hex()}
		if noAck {
			if err := bus.Send(cmd.Context(), req); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		}
		reply, err := bus.Transact(cmd.Context(), req, 0)
		if err != nil {
			return err
		}
		out["reply"] = reply.Hex()
		out["decoded"] = describe(reply)
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func buildFrame(d protocol.Dialect, addr, op byte) (protocol.Frame, error) {
	if len(fields) > 0 {
		layout, ok := protocol.LayoutFor(op)
		if !ok {
			return protocol.Frame{}, fmt.Errorf("opcode 0x%02X has no field table, use --payload", op)
		}
		values := make(map[string]byte, len(fields))
		for _, kv := range fields {
			name, raw, ok := strings.Cut(kv, "=")
			if !ok {
				return protocol.Frame{}, fmt.Errorf("field %q: want name=value", kv)
			}
			v, err := util.ToByte(raw)
			if err != nil {
				return protocol.Frame{}, fmt.Errorf("field %s: %w", name, err)
			}
			values[strings.TrimSpace(name)] = v
		}
		return layout.Build(d, addr, values)
	}
	var body []byte
	for _, tok := range strings.Fields(strings.ReplaceAll(payload, ",", " ")) {
		tok = strings.TrimPrefix(strings.ToLower(tok), "0x")
		b, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return protocol.Frame{}, fmt.Errorf("payload byte %q is not hex", tok)
		}
		body = append(body, byte(b))
	}
	return d.Encode(addr, op, body...)
}

var programCmd = &cobra.Command{
	Use:   "program-address",
	Short: "Assign a new address to the board whose prog button was pressed",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := util.ToAddress(newAddr)
		if err != nil {
			return err
		}
		bus, stop, err := openBus(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		ctl := program.NewController(bus, time.Duration(progLimit)*time.Millisecond)
		res, err := ctl.Program(cmd.Context(), addr)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode HEX",
	Short: "Decode a frame written as hex bytes",
	Args:  cobra.MinimumNArgs(1),
	Example: `  algoctl decode "49 01 40 00 00 00 00 00 00 00 00 00 41 46"
  algoctl -d gateway decode 4901510000000000000000000046`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := protocol.DialectByName(dialect)
		if err != nil {
			return err
		}
		f, err := protocol.ParseHex(d, strings.Join(args, " "))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), describe(f))
	},
}

// describe names the fields of f using the opcode table.
func describe(f protocol.Frame) map[string]any {
	out := map[string]any{
		"address": f.Address(),
		"opcode":  fmt.Sprintf("0x%02X", f.Opcode()),
		"payload": fmt.Sprintf("% X", f.Payload()),
	}
	layout, ok := protocol.LayoutFor(f.Opcode())
	if !ok {
		return out
	}
	out["name"] = layout.Name
	if f.Opcode() == protocol.OpPoll {
		st := protocol.DecodePoll(f)
		out["status"] = st
		out["outputs"] = util.MaskString(st.OutputMask, 8)
		out["inputs"] = util.MaskString(st.InputMask, 8)
		return out
	}
	values := map[string]string{}
	for _, field := range layout.Fields {
		v, _ := layout.Value(f, field.Name)
		values[field.Name] = fmt.Sprintf("0x%02X", v)
	}
	out["fields"] = values
	return out
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(ports) == 0 {
			fmt.Fprintln(w, "no serial ports found")
			return nil
		}
		for _, p := range ports {
			if usbOnly && !p.IsUSB {
				continue
			}
			if p.IsUSB {
				fmt.Fprintf(w, "%s\tUSB %s:%s %s %s\n", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
			} else {
				fmt.Fprintf(w, "%s\n", p.Name)
			}
		}
		return nil
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	pollCmd.Flags().StringVarP(&address, "address", "a", "", "board address 1..254")
	_ = pollCmd.MarkFlagRequired("address")

	sendCmd.Flags().StringVarP(&address, "address", "a", "", "board address 0..254")
	sendCmd.Flags().StringVarP(&opcode, "opcode", "o", "", "opcode, e.g. 0x51")
	sendCmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "named field name=value (repeatable)")
	sendCmd.Flags().StringVar(&payload, "payload", "", "raw payload bytes from g3, hex")
	sendCmd.Flags().BoolVar(&noAck, "no-ack", false, "do not wait for a reply")
	_ = sendCmd.MarkFlagRequired("address")
	_ = sendCmd.MarkFlagRequired("opcode")
	sendCmd.MarkFlagsMutuallyExclusive("field", "payload")

	programCmd.Flags().StringVarP(&newAddr, "address", "a", "", "new address 1..254")
	programCmd.Flags().IntVar(&progLimit, "wait", 2000, "how long to wait for the board, ms")
	_ = programCmd.MarkFlagRequired("address")

	portsCmd.Flags().BoolVar(&usbOnly, "usb", false, "only USB adapters")

	rootCmd.AddCommand(pollCmd, sendCmd, programCmd, decodeCmd, portsCmd)
}
