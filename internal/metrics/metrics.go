package metrics

import (
	"expvar"
)

var (
	// AnalysesStarted counts images submitted for analysis
	AnalysesStarted = expvar.NewInt("analyses_started_total")

	// AnalysesNotIdentified counts images where no food could be identified
	AnalysesNotIdentified = expvar.NewInt("analyses_not_identified_total")

	// AnalysesFailed counts analyses halted by a model or index failure
	AnalysesFailed = expvar.NewInt("analyses_failed_total")

	// AnalysesSaved counts analyses appended to a user history
	AnalysesSaved = expvar.NewInt("analyses_saved_total")

	// ModelCallsTotal counts generative model invocations
	ModelCallsTotal = expvar.NewInt("model_calls_total")

	// ModelCallsFailed counts failed generative model invocations
	ModelCallsFailed = expvar.NewInt("model_calls_failed")

	// EmbeddingsGeneratedTotal counts successful embedding generations
	EmbeddingsGeneratedTotal = expvar.NewInt("embeddings_generated_total")

	// EmbeddingsFailedTotal counts failed embedding generations
	EmbeddingsFailedTotal = expvar.NewInt("embeddings_failed_total")

	// IndexQueriesTotal counts nearest-neighbor queries against the food index
	IndexQueriesTotal = expvar.NewInt("index_queries_total")

	// ParseEmptyTotal counts structured parses that produced no nutrient ranges
	ParseEmptyTotal = expvar.NewInt("parse_empty_total")
)
