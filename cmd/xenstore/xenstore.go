// Program xenstore is a command-line client for the XenStore database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/Wenzel/xenstore"
	"github.com/Wenzel/xenstore/channel"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var flags struct {
	Store string `flag:"store,Path of the xenstored socket (default: probe standard locations)"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Usage:    "<command> [arguments]\nhelp [<command>]",
		Help:     "A command-line client for the XenStore database.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "list",
				Usage: "<path>",
				Help:  "List the children of a store node.",
				Run:   command.Adapt(runList),
			},
			{
				Name:  "read",
				Usage: "<path>",
				Help:  "Read the value of a store node.",
				Run:   command.Adapt(runRead),
			},
			{
				Name:  "write",
				Usage: "<path> <value>",
				Help:  "Write a value to a store node, creating it if necessary.",
				Run:   command.Adapt(runWrite),
			},
			{
				Name:  "rm",
				Usage: "<path>",
				Help:  "Remove a store node and all its children.",
				Run:   command.Adapt(runRm),
			},
			{
				Name:  "mkdir",
				Usage: "<path>",
				Help:  "Create an empty store node.",
				Run:   command.Adapt(runMkdir),
			},
			{
				Name:  "domain-path",
				Usage: "<domid>",
				Help:  "Print the store path owned by the given domain.",
				Run:   command.Adapt(runDomainPath),
			},
			{
				Name:  "watch",
				Usage: "<path>",
				Help: `Watch a store subtree and print the path of each change.

The watch runs until interrupted. The store reports the watched path
itself once immediately after registration.`,
				Run: command.Adapt(runWatch),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// dial opens a connection to the store named by the -store flag, or by
// the standard probe order if the flag is unset.
func dial(env *command.Env) (*xenstore.Conn, error) {
	var ch xenstore.Channel
	var err error
	if flags.Store != "" {
		ch, err = channel.Dial(flags.Store)
	} else {
		ch, err = channel.Open()
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to the store: %w", err)
	}
	return xenstore.NewConn().Start(ch), nil
}

func runList(env *command.Env, path string) error {
	c, err := dial(env)
	if err != nil {
		return err
	}
	defer c.Stop()
	names, err := c.List(env.Context(), path)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runRead(env *command.Env, path string) error {
	c, err := dial(env)
	if err != nil {
		return err
	}
	defer c.Stop()
	value, err := c.Read(env.Context(), path)
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runWrite(env *command.Env, path, value string) error {
	c, err := dial(env)
	if err != nil {
		return err
	}
	defer c.Stop()
	return c.Write(env.Context(), path, value)
}

func runRm(env *command.Env, path string) error {
	c, err := dial(env)
	if err != nil {
		return err
	}
	defer c.Stop()
	return c.Rm(env.Context(), path)
}

func runMkdir(env *command.Env, path string) error {
	c, err := dial(env)
	if err != nil {
		return err
	}
	defer c.Stop()
	return c.Mkdir(env.Context(), path)
}

func runDomainPath(env *command.Env, domID string) error {
	id, err := strconv.ParseUint(domID, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid domain id %q", domID)
	}
	c, err := dial(env)
	if err != nil {
		return err
	}
	defer c.Stop()
	path, err := c.GetDomainPath(env.Context(), uint32(id))
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runWatch(env *command.Env, path string) error {
	c, err := dial(env)
	if err != nil {
		return err
	}
	defer c.Stop()

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()

	w, err := c.Watch(ctx, path)
	if err != nil {
		return err
	}
	defer w.Cancel(context.Background())

	for fired, err := range w.Paths(ctx) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Println(fired)
	}
	return nil
}
