// Package recipe parses Envfiles into stages and operations.
//
// An Envfile is a line-oriented description of a build. Each FROM
// directive opens a stage; the directives that follow become the stage's
// operations, applied in order:
//
//	FROM <base> [AS <name>]   start a stage from a base archive, "scratch",
//	                          or an earlier stage
//	RUN <command>             run a shell command ("/bin/sh -c")
//	RUN ["bin", "arg"]        run a command without a shell
//	COPY <src> <dest>         copy a path from the build context
//	COPY --from=<stage> <src> <dest>
//	                          copy a path from another stage's result
//	ENV <key>=<value>         set an environment variable
//	WORKDIR <path>            set the working directory
//	USER <name>               set the user commands run as
//
// Lines ending in a backslash continue on the next line. Blank lines and
// lines starting with # are ignored. A FROM reference containing ":", "/"
// or "@" names an external base archive; anything else names a stage.
//
// Example usage:
//
//	rcp, err := recipe.ParseFile("Envfile")
//	if err != nil {
//	    return err
//	}
//	for _, stage := range rcp.Stages {
//	    fmt.Println(stage.Name, len(stage.Ops))
//	}
package recipe
