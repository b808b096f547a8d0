// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package legalize implements the incremental legalization of a computation graph for the accelerator: nodes
// are added one at a time, in execution order, and each one is rewritten into primitive nodes the engines
// (vector-compute, matrix-multiply and data-movement) execute directly.
//
// The Engine drives every added node through a fixed pipeline of rewrite rules. Nodes produced by a rule are
// fed back into the same pipeline until only primitive nodes are left, which are accepted into the legalized
// sequence. Logical (view) nodes are deferred until Finalize, which also runs the passes over the whole
// sequence.
//
// Example:
//
//	g := graph.New("model", graph.DeviceGen2, nil)
//	engine := legalize.New(g, registry.NewDefaultKernelDB(g.Capabilities()))
//	for _, n := range userNodes {
//		if err := engine.AddNode(n, true); err != nil {
//			if legalize.IsUnsupported(err) {
//				// Fall back to another compilation mode.
//			}
//			return err
//		}
//	}
//	if err := engine.Finalize(); err != nil {
//		return err
//	}
//	sequence := engine.Sequence()
package legalize

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/legalize/constfold"
	"github.com/gomlx/legalizer/pkg/legalize/decompose"
	"github.com/gomlx/legalizer/pkg/legalize/dontcare"
	"github.com/gomlx/legalizer/pkg/legalize/layouts"
	"github.com/gomlx/legalizer/pkg/legalize/logicalops"
	"github.com/gomlx/legalizer/pkg/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine legalizes the nodes of one Graph. It is not safe for concurrent use.
type Engine struct {
	g           *graph.Graph
	caps        *graph.HardwareCapabilities
	registry    registry.KernelRegistry
	complexGUID registry.ComplexGUIDLibrary
	config      Config

	resolver     *layouts.Resolver
	materializer *layouts.Materializer
	dontCare     *dontcare.Handler
	collector    *logicalops.Collector
	folder       *constfold.Folder

	// Decomposers.
	hugeTensors  decompose.HugeTensors
	groupedConv  decompose.GroupedConvolutions
	packing      decompose.ConvPacking
	bias         decompose.BiasExtractor
	stridedViews decompose.StridedViewDecoder
	wideIntegers decompose.WideIntegers
	batchNorm    *decompose.BatchNormSplit
	customByKind map[graph.Kind][]decompose.Extractor

	running, finalized bool

	numUserNodes, numRewritten, numSteps int
}

// Option configures an Engine at construction.
type Option func(e *Engine)

// WithConfig sets the configuration of the Engine. The default is DefaultConfig.
func WithConfig(config Config) Option {
	return func(e *Engine) { e.config = config }
}

// WithComplexGUIDLibrary sets the composite-operator library used to expand user nodes, see
// Config.ComplexGUID. Without one, no node is expanded by a library.
func WithComplexGUIDLibrary(lib registry.ComplexGUIDLibrary) Option {
	return func(e *Engine) { e.complexGUID = lib }
}

// WithExtractor registers a decomposer for nodes of the given kind. It is consulted, in registration order,
// when the node reaches the expansion of composite operators.
func WithExtractor(kind graph.Kind, extractor decompose.Extractor) Option {
	return func(e *Engine) {
		if e.customByKind == nil {
			e.customByKind = make(map[graph.Kind][]decompose.Extractor)
		}
		e.customByKind[kind] = append(e.customByKind[kind], extractor)
	}
}

// New creates an Engine for the nodes of g, using reg to query the vector-compute kernels.
func New(g *graph.Graph, reg registry.KernelRegistry, options ...Option) *Engine {
	e := &Engine{
		g:         g,
		caps:      g.Capabilities(),
		registry:  reg,
		config:    DefaultConfig(),
		resolver:  layouts.NewResolver(reg),
		dontCare:  dontcare.NewHandler(reg),
		collector: logicalops.NewCollector(),
		batchNorm: decompose.NewBatchNormSplit(reg),
	}
	for _, option := range options {
		option(e)
	}
	e.folder = constfold.New(e.caps)
	e.folder.Constants = e.config.ArchOptimizations && e.config.ConstantFolding
	e.folder.Casts = e.config.ArchOptimizations && e.config.CastFolding
	e.materializer = layouts.NewMaterializer(g)
	e.materializer.ReuseAdaptations = e.config.ReuseAdaptations
	e.materializer.PermuteUserTensors = e.config.AllowPermutationOnUserTranspose
	g.DebugBudget().Reset(e.config.DebugBudgetBytes)
	klog.V(1).Infof("legalization engine for %s created with config %+v", g, e.config)
	return e
}

// Graph returns the graph being legalized.
func (e *Engine) Graph() *graph.Graph { return e.g }

// Config returns the configuration of the Engine.
func (e *Engine) Config() Config { return e.config }

// Sequence returns the legalized nodes accepted so far, in execution order. The slice is owned by the Engine.
//
// Before Finalize logical nodes are still pending: they are in the sequence, but their tensors are not views
// yet.
func (e *Engine) Sequence() []*graph.Node { return e.collector.Nodes() }

// Stats are counters of the work done by an Engine.
type Stats struct {
	// UserNodes is the number of user nodes successfully added.
	UserNodes int

	// Rewritten is the number of nodes replaced by a rewrite rule.
	Rewritten int

	// Steps is the number of pipeline steps run, over all nodes.
	Steps int

	// Accepted is the number of nodes in the legalized sequence.
	Accepted int
}

// Stats returns the counters of the work done so far.
func (e *Engine) Stats() Stats {
	return Stats{UserNodes: e.numUserNodes, Rewritten: e.numRewritten, Steps: e.numSteps, Accepted: e.collector.Len()}
}

// AddNode legalizes n and accepts the resulting primitive nodes into the sequence.
//
// userNode tells whether n was given by the user, as opposed to created by the legalization itself.
// A user node that can't be legalized returns an error for which IsUnsupported is true: the caller may
// compile it some other way: the sequence, n and its operands are left as before the call. Any other error
// is a bug.
func (e *Engine) AddNode(n *graph.Node, userNode bool) error {
	if n == nil {
		return errors.Wrap(ErrInternal, "AddNode called with a nil node")
	}
	if e.finalized && userNode {
		return errors.Wrapf(ErrInternal, "user node %q added after Finalize", n.Name())
	}
	if e.running {
		return errors.Wrapf(ErrInternal, "AddNode(%q) called while another node is being legalized", n.Name())
	}
	if n.Graph() != e.g {
		return errors.Wrapf(ErrInternal, "node %q belongs to %s, not to %s", n.Name(), n.Graph(), e.g)
	}
	e.running = true
	defer func() { e.running = false }()

	rollback := e.collector.Len()
	var snapshot *graph.Snapshot
	if userNode {
		snapshot = n.Snapshot()
	}
	var err error
	if exception := exceptions.TryCatch[error](func() { err = e.run(workItem{node: n, user: userNode}) }); exception != nil {
		err = withSentinel(ErrInternal, errors.WithMessagef(exception, "panic while legalizing %q", n.Name()))
	}
	if err == nil {
		if userNode {
			e.numUserNodes++
		}
		return nil
	}
	if userNode && !errors.Is(err, ErrInternal) {
		e.rollback(rollback)
		snapshot.Restore()
		klog.Warningf("user node %q (%s) not supported: %v", n.Name(), n.GUID(), err)
		return withSentinel(ErrUnsupported, err)
	}
	klog.Errorf("internal legalization error in %s: %+v", e.g, err)
	return withSentinel(ErrInternal, err)
}

// rollback removes from the sequence the nodes accepted after its first size nodes.
func (e *Engine) rollback(size int) {
	nodes := e.collector.Nodes()
	if size >= len(nodes) {
		return
	}
	for _, n := range nodes[size:] {
		n.Remove()
	}
	klog.V(1).Infof("%d nodes of the failed user node rolled back", len(nodes)-size)
	e.collector.SetNodes(nodes[:size])
}
