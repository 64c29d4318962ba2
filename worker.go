package main

import (
	"image"
	"sync/atomic"

	raven "github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"

	"github.com/mithun50/silkynet/counting"
	"github.com/mithun50/silkynet/datastructures"
	"github.com/mithun50/silkynet/predict"
)

// Job holds the attributes needed to perform unit of work.
type Job struct {
	RequestId string
	Filename  string
	ImageData []byte
	Image     image.Image
	Reply     chan JobResult
}

type JobResult struct {
	Result    *counting.Result
	ModelInfo datastructures.ModelInfo
	Err       error
}

// pipelineFactory decides which segmenter/counter implementations the
// workers run. Tests swap in fakes here.
type pipelineFactory struct {
	newSegmenter func() predict.Segmenter
	newCounter   func() counting.Counter
}

func defaultPipeline() pipelineFactory {
	return pipelineFactory{
		newSegmenter: func() predict.Segmenter { return predict.NewTensorflowSegmenter() },
		newCounter:   func() counting.Counter { return counting.NewContourCounter() },
	}
}

// NewWorker creates takes a numeric id and a channel w/ worker pool.
func NewWorker(id int, workerPool chan chan Job, modelDir string, modelLoaded *atomic.Bool, pipeline pipelineFactory) Worker {
	return Worker{
		id:          id,
		jobQueue:    make(chan Job),
		workerPool:  workerPool,
		quitChan:    make(chan bool),
		modelDir:    modelDir,
		modelLoaded: modelLoaded,
		pipeline:    pipeline,
	}
}

type Worker struct {
	id          int
	jobQueue    chan Job
	workerPool  chan chan Job
	quitChan    chan bool
	modelDir    string
	modelLoaded *atomic.Bool
	pipeline    pipelineFactory
}

func (w Worker) start() {
	log.Debug("[Worker] Worker ", w.id, " starting")

	//every worker owns its own segmenter instance
	segmenter := w.pipeline.newSegmenter()
	err := segmenter.Load(w.modelDir)
	if err != nil {
		log.Error("[Worker] Couldn't load model: ", err.Error())
		raven.CaptureError(err, map[string]string{"component": "worker"})
	} else {
		w.modelLoaded.Store(true)
	}

	counter := w.pipeline.newCounter()

	go func() {
		for {
			// Add my jobQueue to the worker pool.
			w.workerPool <- w.jobQueue

			select {
			case job := <-w.jobQueue:
				// Dispatcher has added a job to my jobQueue.
				job.Reply <- w.process(segmenter, counter, job)

			case <-w.quitChan:
				// We have been asked to stop.
				log.Debug("[Worker] Worker ", w.id, " stopping")
				segmenter.Close()
				return
			}
		}
	}()
}

func (w Worker) process(segmenter predict.Segmenter, counter counting.Counter, job Job) JobResult {
	mask, err := segmenter.Segment(job.Image)
	if err != nil {
		log.Debug("[Worker] Couldn't segment ", job.RequestId, ": ", err.Error())
		raven.CaptureError(err, map[string]string{"component": "worker", "request": job.RequestId})
		return JobResult{Err: err}
	}

	result, err := counter.Count(job.ImageData, mask)
	if err != nil {
		log.Debug("[Worker] Couldn't count ", job.RequestId, ": ", err.Error())
		raven.CaptureError(err, map[string]string{"component": "worker", "request": job.RequestId})
		return JobResult{Err: err}
	}

	log.Debug("[Worker] Processed ", job.RequestId, " (count=", result.Total, ")")

	return JobResult{Result: result, ModelInfo: segmenter.ModelInfo()}
}

func (w Worker) stop() {
	go func() {
		w.quitChan <- true
	}()
}

// NewDispatcher creates, and returns a new Dispatcher object.
func NewDispatcher(jobQueue chan Job, maxWorkers int, modelDir string, modelLoaded *atomic.Bool, pipeline pipelineFactory) *Dispatcher {
	workerPool := make(chan chan Job, maxWorkers)

	return &Dispatcher{
		jobQueue:    jobQueue,
		maxWorkers:  maxWorkers,
		workerPool:  workerPool,
		modelDir:    modelDir,
		modelLoaded: modelLoaded,
		pipeline:    pipeline,
	}
}

type Dispatcher struct {
	workerPool  chan chan Job
	maxWorkers  int
	jobQueue    chan Job
	modelDir    string
	modelLoaded *atomic.Bool
	pipeline    pipelineFactory
}

func (d *Dispatcher) run() {
	for i := 0; i < d.maxWorkers; i++ {
		worker := NewWorker(i+1, d.workerPool, d.modelDir, d.modelLoaded, d.pipeline)
		worker.start()
	}

	go d.dispatch()
}

func (d *Dispatcher) dispatch() {
	for job := range d.jobQueue {
		go func(job Job) {
			workerJobQueue := <-d.workerPool
			workerJobQueue <- job
		}(job)
	}
}
