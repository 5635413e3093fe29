package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/joshuapare/memkit/mem"
	"github.com/spf13/cobra"
)

var (
	stressCapacityMB int
	stressWorkers    int
	stressSeconds    int
	stressBackend    string
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressCapacityMB, "capacity-mb", 128, "Reservation size in MiB")
	cmd.Flags().IntVar(&stressWorkers, "workers", 8, "Concurrent allocation workers")
	cmd.Flags().IntVar(&stressSeconds, "seconds", 5, "Run duration")
	cmd.Flags().StringVar(&stressBackend, "backend", "mmap", "Backend: mmap or malloc")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a mixed allocation workload against a backend",
		Long: `The stress command hammers a freshly created backend with a mixed
non-contiguous workload from several workers, then prints per-class
statistics and the final consistency verdict.

Example:
  memctl stress --backend mmap --capacity-mb 256 --workers 16`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
}

func runStress() error {
	capacity := uint64(stressCapacityMB) << 20
	allocator, cleanup, err := buildBackend(stressBackend, capacity)
	if err != nil {
		return err
	}
	defer cleanup()

	tracker := mem.NewUsageTracker(mem.UsageConfig{MaxTotalBytes: int64(capacity)})
	scoped := allocator.AddChild(tracker)

	printVerbose("capacity %s, %d workers, %ds\n",
		humanize.IBytes(capacity), stressWorkers, stressSeconds)

	deadline := time.Now().Add(time.Duration(stressSeconds) * time.Second)
	var wg sync.WaitGroup
	for w := 0; w < stressWorkers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			held := make([]*mem.Allocation, 64)
			for i := range held {
				held[i] = mem.NewAllocation(scoped)
			}
			hand := 0
			for time.Now().Before(deadline) {
				slot := held[hand]
				hand = (hand + 1) % len(held)
				if !slot.Empty() {
					scoped.FreeNonContiguous(slot)
					continue
				}
				pages := 1 + rng.Intn(scoped.LargestSizeClass())
				if err := scoped.AllocateNonContiguous(pages, slot, 0); err != nil {
					// Capacity pressure: drop something and move on.
					for _, s := range held {
						if !s.Empty() {
							scoped.FreeNonContiguous(s)
							break
						}
					}
				}
			}
			for _, s := range held {
				scoped.FreeNonContiguous(s)
			}
		}(int64(w))
	}
	wg.Wait()

	fmt.Print(allocator.Stats())
	fmt.Printf("allocated: %d pages, mapped: %d pages, peak: %s\n",
		allocator.NumAllocated(), allocator.NumMapped(),
		humanize.IBytes(uint64(tracker.PeakBytes())))
	if !allocator.CheckConsistency() {
		return fmt.Errorf("allocator inconsistent after stress run")
	}
	fmt.Println("consistency: ok")
	return nil
}

func buildBackend(name string, capacity uint64) (mem.Allocator, func(), error) {
	switch name {
	case "mmap":
		m, err := mem.NewMmapAllocator(mem.MmapAllocatorOptions{Capacity: capacity})
		if err != nil {
			return nil, nil, err
		}
		return m, func() { m.Close() }, nil //nolint:errcheck // best-effort teardown
	case "malloc":
		return mem.NewMallocAllocator(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want mmap or malloc)", name)
	}
}
