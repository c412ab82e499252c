package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var s ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("ord_1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Fatalf("counter = %d, want 100", counter)
	}
}

func TestShardIndex_Stable(t *testing.T) {
	if shardIndex("ofr_abc") != shardIndex("ofr_abc") {
		t.Fatal("same key must map to the same shard")
	}
	if idx := shardIndex("anything"); idx >= shardCount {
		t.Fatalf("index %d out of range", idx)
	}
}
