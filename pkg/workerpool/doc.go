/*
Package workerpool provides a dynamic, CPU-governed task executor.

Tasks are submitted as functions and resolved through Futures. A worker that
sees a task panic records the panic on the Future and keeps serving; workers
never die from user code.

A supervisor goroutine samples host CPU utilization on a fixed interval and
resizes the pool:

  - >= 95%: remove max(2, (current-min)/2) workers
  - 90-95%: remove 2 workers
  - threshold-90%: remove 1 worker
  - below threshold: grow toward an interpolated target, at most 2 at a
    time, and only while the queue is longer than the worker count and CPU
    is under 40%

Scale-ups and scale-downs have independent cooldowns. Shrinking is
cooperative: the supervisor posts poison pills on the task queue, so a
worker finishes its current task before exiting and queued work is never
dropped. Counts are always clamped to [MinWorkers, MaxWorkers].
*/
package workerpool
