// Package piperpc provides flat re-exports of the submodules, so a
// program driving one worker only needs this import.
package piperpc

import (
	"github.com/machinefabric/piperpc-go/bifaci"
	"github.com/machinefabric/piperpc-go/cap"
	"github.com/machinefabric/piperpc-go/cbor"
	"github.com/machinefabric/piperpc-go/sandbox"
)

// Engine types
type Controller = bifaci.Controller
type Worker = bifaci.Worker
type Handle = bifaci.Handle
type OperationContext = bifaci.OperationContext
type Option = bifaci.Option
type Limits = bifaci.Limits
type Error = bifaci.Error
type InvocationError = bifaci.InvocationError

var NewController = bifaci.NewController
var NewWorker = bifaci.NewWorker
var OpenWorker = bifaci.OpenWorker
var ParseHandle = bifaci.ParseHandle
var WithLogger = bifaci.WithLogger
var WithSerializer = bifaci.WithSerializer
var WithLimits = bifaci.WithLimits
var DefaultLimits = bifaci.DefaultLimits

// Errors
var ErrUnexpectedEOF = bifaci.ErrUnexpectedEOF
var ErrWorkerFailedToStart = bifaci.ErrWorkerFailedToStart
var ErrInvalidHandle = bifaci.ErrInvalidHandle
var ErrRemoteQuit = bifaci.ErrRemoteQuit
var ErrNotStarted = bifaci.ErrNotStarted
var ErrAlreadyStarted = bifaci.ErrAlreadyStarted
var ErrDisposed = bifaci.ErrDisposed
var ErrConcurrentInvoke = bifaci.ErrConcurrentInvoke
var ErrContextExpired = bifaci.ErrContextExpired
var ErrMultipleCancellation = bifaci.ErrMultipleCancellation
var ErrCancellationMismatch = bifaci.ErrCancellationMismatch

// Callable registry
type Registry = cap.Registry
type Entry = cap.Entry
type Param = cap.Param
type Args = cap.Args
type Handler = cap.Handler
type Peer = cap.Peer

var NewRegistry = cap.NewRegistry
var Cancellation = cap.Cancellation
var Context = cap.Context
var Returns = cap.Returns

// Value codec
type Serializer = cbor.Serializer

var NewSerializer = cbor.NewSerializer

// Worker hosting
type LaunchSpec = sandbox.LaunchSpec
type Mode = sandbox.Mode
type Host = sandbox.Host

const ModeInProcess = sandbox.ModeInProcess
const ModeProcess = sandbox.ModeProcess

var LoadLaunchSpec = sandbox.LoadLaunchSpec
var RegisterEntry = sandbox.Register
