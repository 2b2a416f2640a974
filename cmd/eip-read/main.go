package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/behrlich/go-eip"
	"github.com/behrlich/go-eip/internal/logging"
)

func main() {
	var (
		gateway = flag.String("gateway", "", "PLC hostname or IP address (required)")
		path    = flag.String("path", "1,0", "CIP routing path to the target module")
		cpuStr  = flag.String("cpu", "lgx", "controller family: plc5, mlgx, lgx, m800")
		name    = flag.String("name", "", "tag name to read (required)")
		elems   = flag.Int("elements", 1, "number of array elements to read")
		size    = flag.Int("elem-size", 4, "byte width of one element")
		timeout = flag.Duration("timeout", 5*time.Second, "read timeout")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *gateway == "" || *name == "" {
		fmt.Fprintln(os.Stderr, "usage: eip-read -gateway <host> -name <tag> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logConfig))

	cpu, err := eip.ParseCPUType(*cpuStr)
	if err != nil {
		log.Fatalf("invalid -cpu %q: %v", *cpuStr, err)
	}

	tag, err := eip.Create(eip.TagOptions{
		Gateway:   *gateway,
		Path:      *path,
		CPU:       cpu,
		Name:      *name,
		ElemCount: *elems,
		ElemSize:  *size,
	})
	if err != nil {
		log.Fatalf("create tag: %v", err)
	}
	defer tag.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+time.Second)
	defer cancel()

	if err := tag.Read(ctx, *timeout); err != nil {
		color.Red("read failed: %v", err)
		os.Exit(1)
	}

	color.Green("read %s: %d bytes", *name, tag.Size())
	dumpBytes(tag)
}

// dumpBytes prints the tag's buffer four bytes at a time as signed
// DINTs in cyan. A trailing partial word is not printed; its byte count
// is reported in yellow.
func dumpBytes(tag *eip.Tag) {
	tag.Lock()
	defer tag.Unlock()

	size := tag.Size()
	for off := 0; off+4 <= size; off += 4 {
		v, err := tag.GetInt32(off)
		if err != nil {
			color.Yellow("  [%04d] <error: %v>", off, err)
			continue
		}
		fmt.Printf("  [%04d] %s\n", off, color.CyanString("%d", v))
	}
	if rem := size % 4; rem != 0 {
		color.Yellow("  %d trailing byte(s) not shown (not a whole DINT)", rem)
	}
}
