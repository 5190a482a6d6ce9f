// Package ringbuf provides the fixed-capacity buffers used to time-align
// delayed sensor data with the filter's fusion horizon, and the lock-free
// queue that carries samples from driver goroutines to the filter.
//
// Nothing here allocates after construction.
package ringbuf
