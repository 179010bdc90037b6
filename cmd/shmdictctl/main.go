// Command shmdictctl inspects and edits shared memory dictionaries from the
// command line. It opens the same segment and lock any other process would,
// so it works against live dictionaries.
//
// Usage:
//
//	shmdictctl -name orders get key
//	shmdictctl -name orders set key -type int 42
//	shmdictctl -name orders keys
//	shmdictctl -name orders -persist /var/lib/orders.db flush
//	shmdictctl -name orders destroy
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shmdict/shmdict/pkg/codec"
	"github.com/shmdict/shmdict/pkg/shmdict"
)

func main() {
	name := flag.String("name", "", "dictionary name (required)")
	capacity := flag.Uint64("capacity", 0, "segment capacity in bytes when creating (default 1 MiB)")
	persist := flag.String("persist", "", "backing file path, enables persistence")
	timeout := flag.Duration("timeout", 5*time.Second, "lock acquisition timeout")
	valType := flag.String("type", "string", "value type for set: string|int|float|bool")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *name == "" || flag.NArg() == 0 {
		usage()
	}

	cmd := flag.Arg(0)
	if cmd == "destroy" {
		// Destroy never opens a handle; an open handle would block it.
		if err := shmdict.Destroy(*name); err != nil {
			fatalf("destroy: %v", err)
		}
		return
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fatalf("logger: %v", err)
		}
		logger = l
		defer logger.Sync()
	}

	opts := shmdict.Options{
		Capacity:    *capacity,
		PersistPath: *persist,
		LockTimeout: *timeout,
		Logger:      logger,
	}
	if *persist != "" {
		opts.SyncPolicy = shmdict.SyncManual
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+time.Second)
	defer cancel()

	store, err := shmdict.Open(ctx, *name, opts)
	if err != nil {
		fatalf("open %q: %v", *name, err)
	}
	defer store.Close()

	if err := run(ctx, store, cmd, flag.Args()[1:], *valType); err != nil {
		fatalf("%s: %v", cmd, err)
	}
}

func run(ctx context.Context, store *shmdict.Store, cmd string, args []string, valType string) error {
	switch cmd {
	case "get":
		if len(args) != 1 {
			usage()
		}
		v, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(format(v))
		return nil

	case "set":
		if len(args) != 2 {
			usage()
		}
		v, err := parseValue(valType, args[1])
		if err != nil {
			return err
		}
		return store.Set(ctx, args[0], v)

	case "del":
		if len(args) != 1 {
			usage()
		}
		return store.Delete(ctx, args[0])

	case "keys":
		keys, err := store.Keys(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil

	case "items":
		// One snapshot, sorted locally, so the listing is a single
		// generation of the dictionary.
		items, err := store.Items(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s\t%s\n", k, format(items[k]))
		}
		return nil

	case "len":
		n, err := store.Len(ctx)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil

	case "clear":
		return store.Clear(ctx)

	case "flush":
		return store.Flush(ctx)

	case "stat":
		fmt.Printf("name\t%s\ncapacity\t%d\ngeneration\t%d\n",
			store.Name(), store.Capacity(), store.Generation())
		return nil

	default:
		usage()
		return nil
	}
}

func parseValue(valType, raw string) (codec.Value, error) {
	switch valType {
	case "string":
		return codec.String(raw), nil
	case "int":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return codec.Value{}, fmt.Errorf("parse int %q: %w", raw, err)
		}
		return codec.Int(n), nil
	case "float":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return codec.Value{}, fmt.Errorf("parse float %q: %w", raw, err)
		}
		return codec.Float(f), nil
	case "bool":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return codec.Value{}, fmt.Errorf("parse bool %q: %w", raw, err)
		}
		return codec.Bool(b), nil
	default:
		return codec.Value{}, fmt.Errorf("unknown value type %q", valType)
	}
}

func format(v codec.Value) string {
	if s, ok := v.StringValue(); ok {
		return s
	}
	if n, ok := v.IntValue(); ok {
		return strconv.FormatInt(n, 10)
	}
	if f, ok := v.FloatValue(); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if b, ok := v.BoolValue(); ok {
		return strconv.FormatBool(b)
	}
	if blob, ok := v.BytesValue(); ok {
		return fmt.Sprintf("<%d blob bytes>", len(blob))
	}
	if m, ok := v.MapValue(); ok {
		return fmt.Sprintf("<map of %d entries>", len(m))
	}
	return "<invalid>"
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: shmdictctl -name <dict> [flags] <command> [args]

commands:
  get <key>             print the value under key
  set <key> <value>     store a value (see -type)
  del <key>             remove a key
  keys                  list keys, sorted
  items                 list key/value pairs, sorted by key
  len                   print the entry count
  clear                 remove every entry
  flush                 mirror the image to the backing file (needs -persist)
  stat                  print name, capacity and generation
  destroy               remove the segment and lock`)
	os.Exit(2)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "shmdictctl: "+format+"\n", args...)
	os.Exit(1)
}
