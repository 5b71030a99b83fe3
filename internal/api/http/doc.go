// Package http exposes a team's primitives as read-only JSON over gin.
//
// Routes:
//
//	GET /health          team summary
//	GET /threads         every live thread
//	GET /threads/:id     one thread
//	GET /ports           every port with its queue depth
//	GET /ports/:id       one port
//	GET /areas           every attached area
//	GET /areas/:id       one area
//	GET /sems/:id        one semaphore (semaphores cannot be enumerated)
//
// Every response carries "success"; failures add "error" and "status", the
// numeric kernel status code.
package http
