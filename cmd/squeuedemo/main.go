// File: cmd/squeuedemo/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Demonstrates the SQueue facade end to end: one producer goroutine and
// several consumer goroutines standing in for separate processes, bound
// to the same named queue and driven through Acquire/Bind/Write/Read/
// Finish/UnBind/Release. Modeled on the teacher's examples/lowlevel/echo
// entry point: flag-configurable, logs progress, exits non-zero on error.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/momentics/squeue/affinity"
	"github.com/momentics/squeue/control"
	"github.com/momentics/squeue/core/concurrency"
	"github.com/momentics/squeue/core/squeue"
	"github.com/momentics/squeue/facade"
)

func main() {
	name := flag.String("queue", "demo.orders", "queue name to bind")
	consumers := flag.Int("consumers", 3, "consumer count")
	tuples := flag.Int("tuples", 200, "tuples the producer emits")
	regionMB := flag.Int("region-mb", 8, "arena region size in MiB")
	workers := flag.Int("workers", 0, "executor worker count (0 = NumCPU)")
	pinCPU := flag.Int("pin-cpu", -1, "pin the producer goroutine to this CPU (-1 = no pinning)")
	flag.Parse()

	sys, err := facade.Open(facade.Options{
		NumQueues:   4,
		MaxNodes:    *consumers + 1,
		RegionBytes: *regionMB << 20,
		SpillLimit:  1 << 20,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "facade.Open: %v\n", err)
		os.Exit(1)
	}
	defer sys.Shutdown()

	sys.OnReload(func() { log.Printf("reload signal received") })
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			control.TriggerHotReload()
		}
	}()

	exec := concurrency.NewExecutor(*workers, -1)
	defer exec.Close()

	consumerNodes := make([]int, *consumers)
	for i := range consumerNodes {
		consumerNodes[i] = i + 1
	}
	const producerNode = 0

	if _, err := sys.Acquire(*name, *consumers); err != nil {
		log.Fatalf("Acquire: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(*consumers)
	for _, node := range consumerNodes {
		node := node
		if err := exec.Submit(func() {
			defer wg.Done()
			runConsumer(sys, *name, node, producerNode, consumerNodes)
		}); err != nil {
			log.Fatalf("Submit consumer %d: %v", node, err)
		}
	}

	if err := exec.Submit(func() {
		runProducer(sys, *name, producerNode, *pinCPU, consumerNodes, *tuples)
	}); err != nil {
		log.Fatalf("Submit producer: %v", err)
	}

	wg.Wait()
	log.Printf("demo complete: queue=%q consumers=%d tuples=%d", *name, *consumers, *tuples)
}

func runProducer(sys *facade.System, name string, selfNode, pinCPU int, consumerNodes []int, n int) {
	if pinCPU >= 0 {
		var pin affinity.CPUPin
		if err := pin.Pin(pinCPU, -1); err != nil {
			log.Printf("producer: affinity pin failed: %v", err)
		} else {
			defer pin.Unpin()
		}
	}

	res, err := sys.Bind(name, os.Getpid(), selfNode, consumerNodes, consumerNodes)
	if err != nil {
		log.Fatalf("producer Bind: %v", err)
	}

	bufs := sys.Pool()
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("tuple-%06d", i)
		payload := bufs.Acquire(len(text))
		copy(payload, text)
		for _, dest := range res.ConsumerMap {
			if dest.Code != squeue.DistSlot {
				continue
			}
			sys.Write(res.Entry, dest.Slot, payload)
		}
		bufs.Release(payload)
	}

	remaining := sys.Finish(res.Entry)
	log.Printf("producer: finished, %d consumer(s) still draining overflow", remaining)
	if err := sys.UnBind(res.Entry, false); err != nil {
		log.Printf("producer UnBind: %v", err)
	}
}

func runConsumer(sys *facade.System, name string, selfNode, producerNode int, consumerNodes []int) {
	res, err := sys.Bind(name, os.Getpid(), selfNode, consumerNodes, consumerNodes)
	if err != nil {
		log.Fatalf("consumer[%d] Bind: %v", selfNode, err)
	}

	count := 0
	for {
		payload, eof, err := sys.Read(res.Entry, res.SelfIndex, true)
		if err != nil {
			log.Printf("consumer[%d]: %v", selfNode, err)
			break
		}
		if eof {
			break
		}
		_ = payload
		count++
	}
	log.Printf("consumer[%d]: read %d tuples", selfNode, count)
	if err := sys.Release(name, selfNode); err != nil {
		log.Printf("consumer[%d] Release: %v", selfNode, err)
	}
}
