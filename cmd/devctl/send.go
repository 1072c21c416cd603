package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/devserv/internal/ipc"
	"github.com/mattjoyce/devserv/internal/kserv"
	"github.com/mattjoyce/devserv/internal/protocol"
)

// Exit code for an AGAIN reply, so scripts can retry.
const exitAgain = 75

var errSendUsage = errors.New("bad request arguments")

// buildRequest encodes a request from command line operands.
func buildRequest(op string, operands []string) (protocol.Type, []byte, error) {
	typ, ok := protocol.ParseType(op)
	if !ok || !typ.IsRequest() {
		return 0, nil, fmt.Errorf("%w: unknown op %q", errSendUsage, op)
	}

	badOperand := false
	want := func(n int, usage string) error {
		if len(operands) < n {
			return fmt.Errorf("%w: usage: %s %s", errSendUsage, op, usage)
		}
		return nil
	}
	parseInt := func(s string) int32 {
		v, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			badOperand = true
			return 0
		}
		return int32(v)
	}
	optional := func(i int) int32 {
		if i < len(operands) {
			return parseInt(operands[i])
		}
		return 0
	}

	var payload []byte
	switch typ {
	case protocol.TypeOpen:
		if err := want(1, "<node> [flags]"); err != nil {
			return 0, nil, err
		}
		payload = protocol.OpenRequest(uint32(parseInt(operands[0])), optional(1))
	case protocol.TypeClose, protocol.TypeRemove:
		if err := want(1, "<node> [name]"); err != nil {
			return 0, nil, err
		}
		info := &protocol.FSInfo{Node: uint32(parseInt(operands[0]))}
		if len(operands) > 1 {
			info.Name = operands[1]
		}
		var err error
		if payload, err = protocol.EncodeInfo(info); err != nil {
			return 0, nil, err
		}
	case protocol.TypeWrite:
		if err := want(2, "<node> <data> [seek]"); err != nil {
			return 0, nil, err
		}
		payload = protocol.WriteRequest(uint32(parseInt(operands[0])), []byte(operands[1]), optional(2))
	case protocol.TypeRead:
		if err := want(2, "<node> <size> [seek]"); err != nil {
			return 0, nil, err
		}
		payload = protocol.ReadRequest(uint32(parseInt(operands[0])), parseInt(operands[1]), optional(2))
	case protocol.TypeControl:
		if err := want(2, "<node> <cmd> [arg]"); err != nil {
			return 0, nil, err
		}
		var arg []byte
		if len(operands) > 2 {
			arg = []byte(operands[2])
		}
		payload = protocol.ControlRequest(uint32(parseInt(operands[0])), parseInt(operands[1]), arg)
	case protocol.TypeDMA, protocol.TypeFlush:
		if err := want(1, "<node>"); err != nil {
			return 0, nil, err
		}
		payload = protocol.EncodeNode(uint32(parseInt(operands[0])))
	case protocol.TypeAdd:
		if err := want(3, "<node> <name> <type>"); err != nil {
			return 0, nil, err
		}
		payload = protocol.AddRequest(uint32(parseInt(operands[0])), operands[1], parseInt(operands[2]))
	}
	if badOperand {
		return 0, nil, fmt.Errorf("%w: numeric operand expected in %q", errSendUsage, strings.Join(operands, " "))
	}
	return typ, payload, nil
}

// expectsReply reports whether a driver answers typ.
func expectsReply(typ protocol.Type) bool {
	return typ != protocol.TypeClose && typ != protocol.TypeFlush
}

// formatReply renders a reply payload for its request type.
func formatReply(req protocol.Type, env *protocol.Envelope) (string, error) {
	switch env.Type {
	case protocol.TypeErr:
		return "err", nil
	case protocol.TypeAgain:
		return "again", nil
	case req:
	default:
		return "", fmt.Errorf("reply type %s does not match request %s", env.Type, req)
	}

	switch req {
	case protocol.TypeOpen, protocol.TypeWrite, protocol.TypeAdd:
		v, err := protocol.DecodeInt(env.Payload)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(int(v)), nil
	case protocol.TypeDMA:
		r, err := protocol.DecodeDMAReply(env.Payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("addr=%d size=%d", r.Addr, r.Size), nil
	case protocol.TypeRemove:
		return "ok", nil
	default:
		return strconv.Quote(string(env.Payload)), nil
	}
}

// resolveSocket returns the socket of a registered service.
func resolveSocket(ctx context.Context, configPath, service string) (string, error) {
	_, db, err := openState(ctx, configPath)
	if err != nil {
		return "", err
	}
	defer db.Close()

	rec, err := kserv.NewRegistry(db, kserv.Options{}).Get(ctx, service)
	if err != nil {
		return "", err
	}
	if !rec.Ready {
		return "", fmt.Errorf("%w: %q", kserv.ErrNotReady, service)
	}
	if rec.Socket == "" {
		return "", fmt.Errorf("service %q is embedded in pid %d and has no socket", service, rec.PID)
	}
	return rec.Socket, nil
}

func runSend(args []string) int {
	fs := newFlagSet("send")
	configPath := fs.String("config", "", "Path to config file")
	socket := fs.String("socket", "", "Driver socket path (skips the registry lookup)")
	timeout := fs.Duration("timeout", 5*time.Second, "Reply timeout")
	fs.SetInterspersed(false)
	fs.Usage = func() {
		printSendHelp()
		fmt.Fprintln(os.Stderr, "\nFlags:")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	pos := fs.Args()
	if *socket != "" {
		// The service operand is optional with --socket.
		pos = append([]string{""}, pos...)
	}
	if len(pos) < 2 {
		printSendHelp()
		return 1
	}
	typ, payload, err := buildRequest(pos[1], pos[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	path := *socket
	if path == "" {
		if path, err = resolveSocket(ctx, *configPath, pos[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	client, err := ipc.Dial(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer client.Close()

	if !expectsReply(typ) {
		if err := client.Post(ctx, typ, payload); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("sent")
		return 0
	}

	env, err := client.Call(ctx, typ, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	out, err := formatReply(typ, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(out)
	switch env.Type {
	case protocol.TypeErr:
		return 1
	case protocol.TypeAgain:
		return exitAgain
	}
	return 0
}

func printSendHelp() {
	fmt.Fprintln(os.Stderr, "Usage: devctl send [--config PATH] [--timeout D] <service> <op> [operands]")
	fmt.Fprintln(os.Stderr, "       devctl send --socket PATH <op> [operands]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Ops:")
	fmt.Fprintln(os.Stderr, "  open <node> [flags]        close <node> [name]     remove <node> [name]")
	fmt.Fprintln(os.Stderr, "  write <node> <data> [seek] read <node> <size> [seek]")
	fmt.Fprintln(os.Stderr, "  control <node> <cmd> [arg] dma <node>              flush <node>")
	fmt.Fprintln(os.Stderr, "  add <node> <name> <type>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Exit status: 0 on a normal reply, 1 on err, 75 on again.")
}
