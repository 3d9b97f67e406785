package classify

// DefaultSystemPrompt instructs the model to compare a registration against a
// publication, used when no prompt file is configured.
const DefaultSystemPrompt = `You compare a clinical trial registration against a candidate publication and
decide whether the publication reports results of that registered trial.
A publication reports results when it presents outcome data (efficacy, safety,
endpoints) from the registered study itself - not a protocol, commentary,
secondary analysis of another trial, or an unrelated study that merely cites it.
Respond with JSON matching the schema:
{"has_results": <boolean>, "reason": "<at most two sentences>"}`
