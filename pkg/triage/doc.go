// Package triage labels complaint records by semantic nearest-neighbor
// search against a reference corpus of already labeled complaints.
//
// Quick start:
//
//	tr, err := triage.New(triage.WithModelDir("models/"), triage.WithDataDir("data/ml"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
//
//	res, _ := tr.ClassifyOne(ctx, "cobranca indevida na fatura deste mes")
//	fmt.Println(res.Label, res.Method) // Cobrança auto
//
// Records whose DS_ASSUNTO or SUB_ASSUNTO is empty or a placeholder such as
// "Outros" are filled in by ClassifyBatch. Labels below the confidence
// threshold are left for manual review.
//
// A Triage instance is safe for concurrent use of ClassifyOne and
// ClassifySubcategory. Create once, reuse across requests.
package triage
