package mcpserver

// MacroContract describes how a galaxy macro must be written so that the
// registry can load it and the engine can call it.
const MacroContract = `# Galaxy Macro Contract

A macro is a single script file in the macros directory (` + "`" + `~/.galaxy/macros` + "`" + `).
Its file name is its label: ` + "`" + `aga.ts` + "`" + ` is run as ` + "`" + `aga.ts` + "`" + ` or ` + "`" + `aga` + "`" + `.

## Shape

- Exactly one top-level function declaration. It may be ` + "`" + `async` + "`" + `.
  Helper functions must be nested inside it.
- The function receives one object: the capability record. Destructure what you need.
- Its return value (or the value its promise resolves to) is the result. It must be
  JSON-serializable; ` + "`" + `undefined` + "`" + ` becomes ` + "`" + `null` + "`" + `.
- A thrown error becomes a failure result and a toast in the UI.

` + "```" + `ts
async function summarize({ input, apiKey, fetch, toast }) {
  const res = await fetch("https://api.openai.com/v1/chat/completions", { ... });
  const body = await res.json();
  await toast("done");
  return body.choices[0].message.content;
}
` + "```" + `

## Capabilities

| name | meaning |
|---|---|
| ` + "`" + `input` + "`" + ` | JSON input sent with the task |
| ` + "`" + `label` + "`" + ` | label the macro was invoked under |
| ` + "`" + `output` + "`" + ` | current content of the target element, if any |
| ` + "`" + `env` + "`" + ` | ` + "`" + `{ galaxyPath, apiKey, googleKey }` + "`" + ` |
| ` + "`" + `apiKey` + "`" + `, ` + "`" + `googleKey` + "`" + `, ` + "`" + `galaxyPath` + "`" + ` | the same values, flattened |
| ` + "`" + `script(text)` + "`" + ` | run text in the UI page, resolves to its string result |
| ` + "`" + `toast(message)` + "`" + ` | show a transient notification |
| ` + "`" + `fetch(url, init)` + "`" + ` | HTTP request; response has ` + "`" + `ok, status, text(), json()` + "`" + ` |
| ` + "`" + `files` + "`" + ` | ` + "`" + `get(path)` + "`" + `, ` + "`" + `put(key, text)` + "`" + `, ` + "`" + `store(text, ext)` + "`" + `, ` + "`" + `keys()` + "`" + ` on the served file table |
| ` + "`" + `dynamicImport(name)` + "`" + ` | load an allowed module: ` + "`" + `galaxy:fetch` + "`" + `, ` + "`" + `galaxy:files` + "`" + `, ` + "`" + `util` + "`" + `, ` + "`" + `console` + "`" + ` |

` + "`" + `import("x")` + "`" + ` expressions are rewritten to ` + "`" + `dynamicImport("x")` + "`" + `. There is no global
` + "`" + `require` + "`" + ` and no file system or process access.

## Languages

- ` + "`" + `.js` + "`" + ` and ` + "`" + `.ts` + "`" + ` run on an embedded JavaScript engine (ES2020, TypeScript types stripped).
- ` + "`" + `.star` + "`" + ` runs as Starlark: one top-level ` + "`" + `def` + "`" + ` taking ` + "`" + `ctx` + "`" + `, with the same capabilities
  as ` + "`" + `ctx` + "`" + ` fields, and ` + "`" + `load("json", "json")` + "`" + ` style access to allowed modules.

## Reserved labels

- ` + "`" + `fallback.js` + "`" + ` runs whenever a task names an unknown label.
- ` + "`" + `startup.js` + "`" + ` runs once after the UI first connects.
`
