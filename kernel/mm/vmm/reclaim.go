package vmm

import (
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/sync"
	"io"
)

var (
	volatileObjects struct {
		lock sync.Spinlock
		list []*AnonymousObject
	}

	// cleanPageReleaserFn is supplied by the layer that caches file data.
	cleanPageReleaserFn pmm.ReclaimFn
)

// SetCleanPageReleaser registers the function that drops clean file-backed
// pages when memory runs out.
func SetCleanPageReleaser(fn pmm.ReclaimFn) {
	cleanPageReleaserFn = fn
}

func registerVolatile(o *AnonymousObject) {
	volatileObjects.lock.Acquire()
	defer volatileObjects.lock.Release()

	for _, cur := range volatileObjects.list {
		if cur == o {
			return
		}
	}
	volatileObjects.list = append(volatileObjects.list, o)
}

func unregisterVolatile(o *AnonymousObject) {
	volatileObjects.lock.Acquire()
	defer volatileObjects.lock.Release()

	for i, cur := range volatileObjects.list {
		if cur == o {
			volatileObjects.list = append(volatileObjects.list[:i], volatileObjects.list[i+1:]...)
			return
		}
	}
}

// purgeVolatileObjects empties every volatile anonymous object and returns
// the number of pages freed. Purging unmaps pages, which may itself allocate,
// so the list is copied before any object is touched.
func purgeVolatileObjects() uint64 {
	volatileObjects.lock.Acquire()
	objects := append([]*AnonymousObject(nil), volatileObjects.list...)
	volatileObjects.lock.Release()

	var freed uint64
	for _, o := range objects {
		freed += o.Purge()
	}

	if freed != 0 {
		log.Printf("purged %d pages from %d volatile objects\n", freed, len(objects))
	}
	return freed
}

func releaseCleanPages() uint64 {
	if cleanPageReleaserFn == nil {
		return 0
	}
	return cleanPageReleaserFn()
}

// reportUsage writes the memory use of the kernel and of every address space
// to w. It is registered as the out of memory reporter.
func reportUsage(w io.Writer) {
	// Object locks rank above the global lock, so the kernel regions are
	// collected first and inspected after it is released.
	var kernelRegions []*Region
	pmm.WithGlobalData(func(g *pmm.GlobalData) {
		g.KernelRegions.Visit(func(_ mm.VirtualRange, value interface{}) bool {
			kernelRegions = append(kernelRegions, value.(*Region))
			return true
		})
	})

	var kernelUsage regionUsage
	for _, r := range kernelRegions {
		kernelUsage.add(r)
	}

	mem := pmm.SystemMemory()
	kfmt.Fprintf(w, "physical pages: %d total, %d used, %d committed, %d uncommitted\n",
		mem.PhysicalPages, mem.PhysicalPagesUsed, mem.PhysicalPagesCommitted, mem.PhysicalPagesUncommitted,
	)
	kfmt.Fprintf(w, "kernel: %d regions, %d virtual pages, %d resident pages, %d shared pages\n",
		kernelUsage.regions, kernelUsage.virtualPages, kernelUsage.residentPages, kernelUsage.sharedPages,
	)

	spaces.lock.Acquire()
	list := append([]*AddressSpace(nil), spaces.list...)
	spaces.lock.Release()

	for _, as := range list {
		u := as.usage()
		kfmt.Fprintf(w, "address space %d: %d regions, %d virtual pages, %d resident pages, %d shared pages\n",
			as.id, u.regions, u.virtualPages, u.residentPages, u.sharedPages,
		)
	}
}
