package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/rumormill/internal/transport"
	"github.com/ryandielhenn/rumormill/pkg/rumor"
	"github.com/ryandielhenn/rumormill/pkg/wire"
)

func main() {
	addr := flag.String("addr", "localhost:9638", "gossip address of the member under test")
	n := flag.Int("n", 5000, "rumors to push")
	conc := flag.Int("c", 32, "concurrency")
	size := flag.Int("size", 128, "config payload size bytes")
	flag.Parse()

	tr, err := transport.New("bench", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer tr.Close()

	encode := wire.EncoderFor[*rumor.ServiceConfig]("bench")
	var failed atomic.Int64
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()
			b, err := encode(&rumor.ServiceConfig{
				ServiceGroup: fmt.Sprintf("bench%d.default", i),
				Incarnation:  uint64(time.Now().UnixNano()),
				Config:       bytes.Repeat([]byte{byte('a' + rand.Intn(26))}, *size),
			})
			if err != nil {
				failed.Add(1)
				return
			}
			if err := tr.Push(context.Background(), *addr, [][]byte{b}); err != nil {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d pushes in %s (%.2f ops/s), %d failed\n", *n, dur, float64(*n)/dur.Seconds(), failed.Load())
}
