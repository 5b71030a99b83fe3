// Package kernel provides BeOS-style kernel primitives on a Linux host.
//
// A Team owns every resource it creates: threads, counting semaphores, ports
// and areas. Resources are addressed by small integer IDs and looked up in
// per-kind registries, so IDs can be passed around freely between threads.
//
// Key Components:
//   - Threads: goroutines pinned to their own OS thread, created suspended,
//     with a one-slot mailbox (SendData / ReceiveData)
//   - Semaphores: futex-backed counting semaphores with timeouts
//   - Ports: bounded message queues on abstract-namespace datagram sockets,
//     reachable by name from other processes
//   - Areas: System V shared memory segments that other processes can clone
//
// Every error returned is a Status (or a *HostError matching ErrGeneric), so
// callers compare with errors.Is against the Err* codes.
//
// Example Usage:
//
//	team, err := kernel.NewTeam(kernel.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer team.Close()
//
//	sem, _ := team.CreateSem(0, "done")
//	tid, _ := team.SpawnThread(func(any) int32 {
//	    return int32(kernel.StatusOf(team.ReleaseSem(sem)))
//	}, "worker", kernel.NormalPriority, nil)
//	_ = team.ResumeThread(tid)
//	_ = team.AcquireSem(sem)
package kernel
