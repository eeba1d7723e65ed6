package main

import (
	"html/template"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	sentenceField  = "Sentence"
	maxFormBytes   = 1 << 20
	predictionText = "The sentiment is "
)

// sentimentPredictor is the part of Predictor the web app needs.
type sentimentPredictor interface {
	Predict(texts []string) []PredictionResult
	Metrics() EvalMetrics
}

type app struct {
	predictor sentimentPredictor
	templates *templateSet
	static    fs.FS
	logger    *zap.Logger
}

func newApp(predictor sentimentPredictor, logger *zap.Logger) (*app, error) {
	templates, err := newTemplateSet(assets, "templates", template.FuncMap{"percent": percent})
	if err != nil {
		return nil, err
	}
	static, err := fs.Sub(assets, "static")
	if err != nil {
		return nil, errors.Wrap(err, "opening static assets")
	}
	return &app{
		predictor: predictor,
		templates: templates,
		static:    static,
		logger:    logger,
	}, nil
}

// handler returns the routed app behind the middleware stack.
func (a *app) handler() http.Handler {
	return wrapMiddleware(a.routes(), a.logger)
}

func (a *app) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", a.handleIndex).Methods("GET")
	r.HandleFunc("/predict", a.handlePredictForm).Methods("GET")
	r.HandleFunc("/predict", a.handlePredict).Methods("POST")
	r.HandleFunc("/metrics", a.handleMetrics).Methods("GET")
	r.HandleFunc("/Source_code", a.handleSourceCode).Methods("GET")
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(a.static))))
	return r
}

type layerParam struct {
	Name  string
	Units int
}

func (a *app) handleIndex(w http.ResponseWriter, r *http.Request) {
	a.render(w, "index.html", map[string]interface{}{
		"Params": []layerParam{
			{"Layer 1", 30},
			{"Layer 2", 50},
			{"Layer 3", 20},
			{"Layer 4", 10},
		},
	})
}

type predictionView struct {
	Sentence   string
	Prediction string
	Color      string
}

type predictPage struct {
	Parameters  []string
	Predictions []predictionView
}

func (a *app) handlePredictForm(w http.ResponseWriter, r *http.Request) {
	a.render(w, "predict.html", predictPage{Parameters: []string{sentenceField}})
}

// handlePredict classifies every non-blank Sentence value. Anything else
// gets the empty form back.
func (a *app) handlePredict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		a.logger.Debug("unparseable prediction form", zap.Error(err))
		a.handlePredictForm(w, r)
		return
	}

	var sentences []string
	for _, s := range r.PostForm[sentenceField] {
		if strings.TrimSpace(s) != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		a.handlePredictForm(w, r)
		return
	}

	page := predictPage{Parameters: []string{sentenceField}}
	for _, res := range a.predictor.Predict(sentences) {
		page.Predictions = append(page.Predictions, predictionView{
			Sentence:   res.Text,
			Prediction: predictionText + res.Label,
			Color:      res.Color,
		})
	}
	a.render(w, "predict.html", page)
}

func (a *app) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := a.predictor.Metrics()
	accuracy, source := m.TestAccuracy, "test"
	if m.TestExamples == 0 {
		accuracy, source = m.ValAccuracy, "validation"
	}
	a.render(w, "metrics.html", map[string]interface{}{
		"Accuracy": accuracy,
		"Source":   source,
		"Metrics":  m,
	})
}

func (a *app) handleSourceCode(w http.ResponseWriter, r *http.Request) {
	a.render(w, "Source_code.html", nil)
}

func (a *app) render(w http.ResponseWriter, name string, payload interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := a.templates.Render(w, name, payload); err != nil {
		a.logger.Error("rendering template", zap.String("template", name), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
