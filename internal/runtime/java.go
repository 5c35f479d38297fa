package runtime

// JavaRuntime compiles Main.java and runs the Main class. The public class
// must be named Main; the fixed source filename enforces that.
type JavaRuntime struct{}

func (j *JavaRuntime) Name() string { return "java" }

func (j *JavaRuntime) Image() string { return "docker.io/library/eclipse-temurin:21" }

func (j *JavaRuntime) SourceFile() string { return "Main.java" }

func (j *JavaRuntime) Command() []string {
	return []string{
		"sh", "-c",
		"javac Main.java && java -XX:+UseSerialGC Main",
	}
}

func (j *JavaRuntime) Artifacts() []string {
	return []string{"Main.java", "Main.class"}
}
