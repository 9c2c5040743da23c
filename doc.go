// Package rwasmd provides an R code-execution service backed by a
// WebAssembly build of the R interpreter.
//
// # Overview
//
// rwasmd hosts a single R interpreter compiled to WASM (a webR image) in
// wazero. The image is compiled once, lazily, on first demand; every
// request then gets its own short-lived module instance with a private
// evaluation environment and a scratch directory mounted at /tmp inside
// the guest. Generated plot files are collected from the scratch directory
// and returned base64-encoded.
//
// # Basic Usage
//
//	mgr := runtime.NewManager(rlang.New(rlang.Config{WasmPath: "r.wasm"}),
//	    runtime.Config{ScratchDir: dir}, logger)
//	defer mgr.Close()
//
//	svc := service.New(mgr, service.Config{}, logger)
//	resp, _ := svc.Execute(ctx, service.Request{Code: `print(1 + 1)`})
//	fmt.Println(resp.Output) // [1] 2
//
// Tabular data supplied with a request is injected as a data.frame named
// query_result before the user code runs:
//
//	resp, _ := svc.Execute(ctx, service.Request{
//	    Code: `print(sum(query_result$value))`,
//	    Data: rows,
//	})
//
// See the [runtime], [rlang], [marshal], [output], [artifact], and
// [service] packages for detailed API documentation.
package rwasmd
