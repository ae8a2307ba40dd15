package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kadcore/kad/kademlia"
)

// Commands is a thin line-oriented REPL over a running Node. It does not
// own the node's lifecycle; it only issues requests to it and prints their
// results, matching the teacher's CLI's division of responsibility.
type Commands struct {
	node *kademlia.Node
	in   io.Reader
	out  io.Writer
	quit func()
}

// NewCommands constructs a Commands over node. quit is invoked on "exit".
func NewCommands(node *kademlia.Node, in io.Reader, out io.Writer, quit func()) *Commands {
	if quit == nil {
		quit = func() {}
	}
	return &Commands{node: node, in: in, out: out, quit: quit}
}

// Run starts the REPL on c.in until EOF or "exit".
func (c *Commands) Run() error {
	c.printUsage()
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		if err := c.RunLine(sc.Text()); err == io.EOF {
			return nil
		}
	}
	return sc.Err()
}

// RunLine executes a single command line, the full verb set spec.md §6
// names: help, getinfo, pingnode, findnode, storefile, storevalue,
// findvalue, findfile, store50values, exit.
func (c *Commands) RunLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		c.printUsage()
	case "getinfo":
		c.getinfo()
	case "pingnode":
		c.pingnode(args)
	case "findnode":
		c.findnode(args)
	case "storefile":
		c.storefile(args)
	case "storevalue":
		c.storevalue(args)
	case "findvalue":
		c.findvalue(args)
	case "findfile":
		c.findfile(args)
	case "store50values":
		c.store50values(args)
	case "exit":
		fmt.Fprintln(c.out, "Exiting application...")
		c.quit()
		return io.EOF
	default:
		fmt.Fprintf(c.out, "Unknown command %q, type help for usage\n", cmd)
	}
	return nil
}

func (c *Commands) printUsage() {
	fmt.Fprint(c.out, `Commands:
	help                         Print this message.
	getinfo                      Print this node's info.
	pingnode node_id             Ping node with id node_id.
	findnode node_id             Find node with id node_id.
	storefile key filepath ttl   Store contents of file in the network under key, ttl in minutes.
	storevalue key value ttl     Store value in the network under key, ttl in minutes.
	findvalue key                Find value stored with key.
	findfile key filepath        Find value stored with key and save it to filepath.
	store50values prefix         Store 50 key/value pairs keyed prefix-0..prefix-49.
	exit                         Stop the node and exit.

	NOTE -- node_id should be 128 hex chars (a raw 512-bit id).
	        If key is not 128 hex chars, it is hashed with SHA-512.
`)
}

func (c *Commands) getinfo() {
	self := c.node.Self()
	fmt.Fprintf(c.out, "Node info:\n  id:   %s\n  addr: %s\n  nat:  %s\n  joined: %v\n",
		self.ID, self.Host, c.node.NatType(), c.node.Joined())
}

func (c *Commands) pingnode(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Invalid number of arguments for pingnode command")
		return
	}
	id, err := decodeNodeID(args[0])
	if err != nil {
		fmt.Fprintln(c.out, "Invalid Node id")
		return
	}
	contact, ok := c.node.KnownContact(id)
	if !ok {
		fmt.Fprintln(c.out, "Unknown node id (not in routing table); findnode it first")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), kademlia.TimeoutPing+time.Second)
	defer cancel()
	if c.node.Ping(ctx, contact) {
		fmt.Fprintf(c.out, "Pong from %s\n", id)
	} else {
		fmt.Fprintf(c.out, "No response from %s\n", id)
	}
}

func (c *Commands) findnode(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Invalid number of arguments for findnode command")
		return
	}
	id, err := decodeNodeID(args[0])
	if err != nil {
		fmt.Fprintln(c.out, "Invalid Node id")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	contacts, err := c.node.FindNode(ctx, id)
	if err != nil {
		fmt.Fprintf(c.out, "findnode failed: %v\n", err)
		return
	}
	for _, ct := range contacts {
		fmt.Fprintf(c.out, "  %s @ %s\n", ct.ID, ct.Host)
	}
}

func (c *Commands) storefile(args []string) {
	if len(args) != 3 {
		fmt.Fprintln(c.out, "Invalid number of arguments for storefile command")
		return
	}
	content, err := os.ReadFile(args[1])
	if err != nil {
		fmt.Fprintf(c.out, "could not read %s: %v\n", args[1], err)
		return
	}
	c.doStore(args[0], content, args[2])
}

func (c *Commands) storevalue(args []string) {
	if len(args) != 3 {
		fmt.Fprintln(c.out, "Invalid number of arguments for storevalue command")
		return
	}
	c.doStore(args[0], []byte(args[1]), args[2])
}

func (c *Commands) doStore(keyArg string, value []byte, ttlMinArg string) {
	ttlMin, err := strconv.Atoi(ttlMinArg)
	if err != nil {
		fmt.Fprintf(c.out, "invalid ttl %q: %v\n", ttlMinArg, err)
		return
	}
	key := resolveKey(keyArg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := c.node.Store(ctx, key, value, time.Duration(ttlMin)*time.Minute)
	if err != nil {
		fmt.Fprintf(c.out, "store failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Result: stored at %d/%d contacts, key=%s\n", result.Succeeded, result.Attempted, hex.EncodeToString(key))
}

func (c *Commands) findvalue(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Invalid number of arguments for findvalue command")
		return
	}
	c.doFindValue(args[0], "")
}

func (c *Commands) findfile(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.out, "Invalid number of arguments for findfile command")
		return
	}
	c.doFindValue(args[0], args[1])
}

func (c *Commands) doFindValue(keyArg, writePath string) {
	key := resolveKey(keyArg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := c.node.Get(ctx, key)
	if err != nil || len(result.Values) == 0 {
		fmt.Fprintln(c.out, "Value not found")
		return
	}
	if writePath == "" {
		fmt.Fprintf(c.out, "Value: %s\n", result.Values[0])
		return
	}
	if err := os.WriteFile(writePath, result.Values[0], 0o644); err != nil {
		fmt.Fprintf(c.out, "could not write %s: %v\n", writePath, err)
		return
	}
	fmt.Fprintf(c.out, "Wrote value to %s\n", writePath)
}

// store50values stores 50 small values keyed prefix-0..prefix-49, exercising
// replication at volume.
func (c *Commands) store50values(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Invalid number of arguments for store50values command")
		return
	}
	prefix := args[0]
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ok := 0
	for i := 0; i < 50; i++ {
		keyArg := fmt.Sprintf("%s-%d", prefix, i)
		value := []byte(fmt.Sprintf("%s,%d", keyArg, i*100))
		key := resolveKey(keyArg)
		result, err := c.node.Store(ctx, key, value, 60*time.Minute)
		if err != nil {
			fmt.Fprintf(c.out, "  %s: store failed: %v\n", keyArg, err)
			continue
		}
		ok++
		fmt.Fprintf(c.out, "  %s: stored at %d/%d contacts\n", keyArg, result.Succeeded, result.Attempted)
	}
	fmt.Fprintf(c.out, "store50values: %d/50 succeeded\n", ok)
}

// resolveKey follows spec.md §6: a 128-hex-char argument decodes directly
// to a raw 512-bit key; anything else is hashed.
func resolveKey(arg string) []byte {
	if len(arg) == 128 {
		if raw, err := hex.DecodeString(arg); err == nil {
			return raw
		}
	}
	return kademlia.Hash([]byte(arg))
}

func decodeNodeID(arg string) (kademlia.NodeID, error) {
	if len(arg) != 128 {
		return kademlia.NodeID{}, fmt.Errorf("node id must be 128 hex chars, got %d", len(arg))
	}
	return kademlia.FromHex(arg)
}
