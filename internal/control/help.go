package control

import _ "embed"

//go:embed help.md
var helpMD []byte

const helpPre = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>capcast help</title>
<style>
body { font-family: sans-serif; max-width: 46rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
code { background: #f0f0f0; padding: 0 0.2rem; }
pre { background: #f0f0f0; padding: 0.6rem; overflow-x: auto; }
</style></head><body>
`

const helpPost = `
</body></html>
`
